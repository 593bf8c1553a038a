package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses SSH agent authentication
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration for a domain service host.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port"`

	// User is the SSH username
	User string `yaml:"user"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth"`

	// Password for password-based authentication
	Password string `yaml:"password"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`

	// AgentSocket overrides SSH_AUTH_SOCK for agent authentication
	AgentSocket string `yaml:"agent_socket"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false, any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// MaxKeepAliveRetries is the number of failed keep-alives before the
	// connection is closed
	MaxKeepAliveRetries int `yaml:"keepalive_retries"`

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string `yaml:"proxy_host"`

	// ProxyPort is the port of the proxy host
	ProxyPort int `yaml:"proxy_port"`

	// ProxyUser is the username for the proxy host
	ProxyUser string `yaml:"proxy_user"`

	// ProxyAuthMethod is the authentication method for the proxy
	ProxyAuthMethod AuthMethod `yaml:"proxy_auth"`

	// ProxyPassword is the password for proxy authentication
	ProxyPassword string `yaml:"proxy_password"`

	// ProxyPrivateKeyPath is the path to the proxy's private key
	ProxyPrivateKeyPath string `yaml:"proxy_private_key"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     0, // Disabled by default
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig. Registry files only
// spell out what differs from the defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig(c.Host, c.User)
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.AuthMethod == "" {
		c.AuthMethod = d.AuthMethod
	}
	if c.KnownHostsPath == "" && c.StrictHostKeyChecking {
		c.KnownHostsPath = d.KnownHostsPath
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxKeepAliveRetries == 0 {
		c.MaxKeepAliveRetries = d.MaxKeepAliveRetries
	}
	if c.ProxyPort == 0 {
		c.ProxyPort = d.ProxyPort
	}
	if c.ProxyAuthMethod == "" {
		c.ProxyAuthMethod = c.AuthMethod
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if c.agentSocket() == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK or agent_socket")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("keep-alive interval must not be negative")
	}

	// Validate proxy configuration if proxy is specified
	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func defaultKeyPath() string {
	homeDir := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}

func (c *Config) agentSocket() string {
	if c.AgentSocket != "" {
		return c.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config. The
// returned closer releases the agent connection, if one was opened.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func() error, error) {
	var authMethods []ssh.AuthMethod
	closer := func() error { return nil }

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for password prompts.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		sock := c.agentSocket()
		if sock == "" {
			return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closer = conn.Close

	default:
		return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			_ = closer()
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}

	return clientConfig, closer, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled returns true if a proxy/jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

// proxyConfig derives the jump host settings.
func (c *Config) proxyConfig() *Config {
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		AuthMethod:            c.ProxyAuthMethod,
		Password:              c.ProxyPassword,
		PrivateKeyPath:        c.ProxyPrivateKeyPath,
		AgentSocket:           c.AgentSocket,
		ConnectionTimeout:     c.ConnectionTimeout,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		KnownHostsPath:        c.KnownHostsPath,
	}
}
