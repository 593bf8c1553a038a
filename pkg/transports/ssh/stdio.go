package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// maxStderr bounds the remote stderr kept for diagnostics.
const maxStderr = 64 * 1024

// StartStdio runs command on the remote host. Writes go to its stdin and
// reads come from its stdout. Closing the stream closes stdin, signals the
// command and ends the session.
func (c *SSHClient) StartStdio(ctx context.Context, command string) (io.ReadWriteCloser, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &TransportError{Op: "stdio", Err: fmt.Errorf("command is required")}
	}

	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "stdio",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "stdio", Err: fmt.Errorf("failed to open stdin: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "stdio", Err: fmt.Errorf("failed to open stdout: %w", err)}
	}
	stderr := &limitedBuffer{max: maxStderr}
	session.Stderr = stderr

	if err := ctx.Err(); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "stdio", Err: err, IsTemporary: true}
	}
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, &TransportError{
			Op:          "stdio",
			Err:         fmt.Errorf("failed to start %q: %w", command, err),
			IsTemporary: true,
		}
	}

	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("started remote stdio command")
	return &stdioStream{session: session, stdin: stdin, stdout: stdout, stderr: stderr, command: command}, nil
}

type stdioStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  *limitedBuffer
	command string

	once     sync.Once
	closeErr error
}

func (s *stdioStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		if tail := s.stderr.String(); tail != "" {
			log.Debug().Str("command", s.command).Str("stderr", tail).Msg("remote command exited")
		}
	}
	return n, err
}

func (s *stdioStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *stdioStream) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		_ = s.session.Signal(ssh.SIGTERM)
		err := s.session.Close()
		if err != nil && err != io.EOF {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

var _ Transport = (*SSHClient)(nil)
