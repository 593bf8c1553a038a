package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cogworks/cogworks/pkg/extension/protocol"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/transports/ssh"
)

// Conn carries one exchange at a time: a frame out and its reply back.
// Callers serialize access.
type Conn interface {
	Exchange(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
	Close() error
}

// Dialer opens a Conn for a registration.
type Dialer interface {
	Dial(ctx context.Context, reg Registration) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, reg Registration) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, reg Registration) (Conn, error) { return f(ctx, reg) }

// brokenError marks a failure after which the connection cannot be reused.
type brokenError struct{ err error }

func (e *brokenError) Error() string { return e.err.Error() }
func (e *brokenError) Unwrap() error { return e.err }

func broken(err error) error { return &brokenError{err: err} }

func isBroken(err error) bool {
	var b *brokenError
	return errors.As(err, &b)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// streamConn speaks newline-delimited frames over a byte stream.
type streamConn struct {
	rwc io.ReadWriteCloser
	enc *protocol.Encoder
	dec *protocol.Decoder
}

// NewStreamConn wraps a byte stream. Streams with deadlines (net.Conn) keep
// working after a timed-out exchange; others are closed by it.
func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return &streamConn{
		rwc: rwc,
		enc: protocol.NewEncoder(rwc),
		dec: protocol.NewDecoder(rwc),
	}
}

func (c *streamConn) Exchange(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if dl, ok := c.rwc.(deadliner); ok {
		d, _ := ctx.Deadline()
		if err := dl.SetDeadline(d); err != nil {
			return nil, broken(err)
		}
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(fired)
			_ = dl.SetDeadline(time.Now())
		})
		defer func() {
			if !stop() {
				<-fired
			}
		}()
	} else {
		stop := context.AfterFunc(ctx, func() { _ = c.rwc.Close() })
		defer stop()
	}

	// A failed write may leave half a frame on the wire.
	if err := c.enc.Write(msg); err != nil {
		return nil, broken(err)
	}

	for {
		reply, err := c.dec.Decode()
		if err != nil {
			if _, ok := c.rwc.(deadliner); ok && isTimeout(err) {
				return nil, err
			}
			return nil, broken(err)
		}
		if reply.ID != msg.ID {
			// Late reply to an exchange that already timed out.
			continue
		}
		return reply, nil
	}
}

func (c *streamConn) Close() error { return c.rwc.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// UnixDialer dials the registration's endpoint as a socket path.
func UnixDialer() Dialer {
	return DialerFunc(func(ctx context.Context, reg Registration) (Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", reg.Endpoint)
		if err != nil {
			return nil, err
		}
		return NewStreamConn(conn), nil
	})
}

// SSHDialer connects to the registration's host and runs its endpoint
// command. Each connection owns its SSH client.
func SSHDialer() Dialer {
	return DialerFunc(func(ctx context.Context, reg Registration) (Conn, error) {
		if reg.SSH == nil {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("service %q has no ssh settings", reg.Name), nil)
		}
		client, err := ssh.NewSSHClient(reg.SSH)
		if err != nil {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("service %q: ssh", reg.Name), err)
		}
		if err := client.Connect(ctx); err != nil {
			var terr *ssh.TransportError
			if errors.As(err, &terr) && terr.IsAuthError {
				return nil, pipeline.NewConfigurationError(fmt.Sprintf("service %q: ssh authentication", reg.Name), err)
			}
			return nil, err
		}
		stream, err := client.StartStdio(ctx, reg.Endpoint)
		if err != nil {
			_ = client.Disconnect()
			return nil, err
		}
		return &sshConn{Conn: NewStreamConn(stream), client: client}, nil
	})
}

type sshConn struct {
	Conn
	client *ssh.SSHClient
}

func (c *sshConn) Close() error {
	err := c.Conn.Close()
	if derr := c.client.Disconnect(); err == nil {
		err = derr
	}
	return err
}

// HTTPDialer posts every exchange to <endpoint>/v1/exchange. Dialing does
// no I/O; the handshake is the first exchange.
func HTTPDialer(hc *http.Client) Dialer {
	if hc == nil {
		hc = &http.Client{}
	}
	return DialerFunc(func(_ context.Context, reg Registration) (Conn, error) {
		return &httpConn{
			client: hc,
			url:    strings.TrimRight(reg.Endpoint, "/") + protocol.ExchangePath,
		}, nil
	})
}

type httpConn struct {
	client *http.Client
	url    string
}

func (c *httpConn) Exchange(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, pipeline.NewConfigurationError("invalid service url "+c.url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		e := pipeline.NewTransientError(fmt.Sprintf("service returned %s", resp.Status), nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			e.WithCode(pipeline.CodeRateLimited)
		}
		if after, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			e.WithRetryAfter(after)
		}
		return nil, e
	default:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &pipeline.Error{
			Kind:    pipeline.KindTransient,
			Code:    pipeline.CodeRemote,
			Message: fmt.Sprintf("service returned %s: %s", resp.Status, strings.TrimSpace(string(text))),
			Policy:  pipeline.NonRetryable(),
		}
	}

	var reply protocol.Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, protocol.MaxFrameSize)).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	if err := reply.Type.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *httpConn) Close() error { return nil }

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
