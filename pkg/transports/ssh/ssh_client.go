package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over a single SSH connection.
// Each stdio stream opens its own session on that connection.
type SSHClient struct {
	config *Config

	// Connection management
	client      *ssh.Client
	proxy       *ssh.Client
	closers     []func() error
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		// Already connected, verify connection is still alive
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, closer, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}
	c.closers = append(c.closers, closer)

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		c.closeLocked()
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// dialContext opens a TCP connection and completes the SSH handshake,
// honouring ctx for both steps.
func dialContext(ctx context.Context, dial func(ctx context.Context) (net.Conn, error), addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		_ = ncc.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectDirect establishes a direct SSH connection.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := &net.Dialer{Timeout: c.config.ConnectionTimeout}
	client, err := dialContext(ctx, func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", address)
	}, address, clientConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			IsAuthError: isAuthFailure(err),
		}
	}

	c.client = client
	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy establishes an SSH connection through a jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()
	proxyClientConfig, closer, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}
	c.closers = append(c.closers, closer)

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	dialer := &net.Dialer{Timeout: c.config.ConnectionTimeout}
	proxyClient, err := dialContext(ctx, func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", proxyConfig.Address())
	}, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: isAuthFailure(err),
		}
	}
	c.proxy = proxyClient

	targetAddress := c.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	client, err := dialContext(ctx, func(ctx context.Context) (net.Conn, error) {
		return proxyClient.DialContext(ctx, "tcp", targetAddress)
	}, targetAddress, targetConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: isAuthFailure(err),
		}
	}

	c.client = client
	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// isAuthFailure reports whether err is the handshake rejecting our
// credentials. Those never succeed on retry.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return &TransportError{
			Op:          "disconnect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var firstErr error
	if c.client != nil {
		firstErr = c.client.Close()
		c.client = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	for _, closer := range c.closers {
		_ = closer()
	}
	c.closers = nil
	c.isConnected = false
	return firstErr
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal sends a global keep-alive request (must be called
// with lock held).
func (c *SSHClient) healthCheckInternal() error {
	if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests. After MaxKeepAliveRetries
// consecutive failures the connection is closed so streams on it fail fast.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			retries = 0
			c.connMu.Lock()
			c.lastUsedAt = time.Now()
			c.connMu.Unlock()
			continue
		}

		retries++
		log.Warn().Err(err).Int("retries", retries).Str("host", c.config.Host).Msg("keep-alive failed")
		if retries >= c.config.MaxKeepAliveRetries {
			log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, closing connection")
			_ = client.Close()
			return
		}
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.config.IsProxyEnabled(),
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{
			Op:          "get-client",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}
