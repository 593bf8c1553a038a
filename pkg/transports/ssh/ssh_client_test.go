package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cogworks/cogworks/pkg/extension/protocol"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// serviceCommand is the remote command the test server answers with a
// protocol server on the session's stdio.
const serviceCommand = "cogworks-service --stdio"

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code byte) []byte { return []byte{0, 0, 0, code} }

// handleChannel handles a single SSH channel.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		command := string(req.Payload[4:]) // Skip the length prefix
		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		switch command {
		case serviceCommand:
			go ssh.DiscardRequests(requests)
			_ = testService().ServeConn(context.Background(), channel)
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		case "true":
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		default:
			_, _ = channel.Stderr().Write([]byte(command + ": command not found\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(127))
		}
		return
	}
}

func testService() *protocol.Server {
	srv := protocol.NewServer(pipeline.APIVersion{Major: 1, Minor: 0})
	srv.Handle("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	return srv
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func passwordConfig(t *testing.T, server *testSSHServer) *Config {
	t.Helper()
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, config *Config) *SSHClient {
	t.Helper()
	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	config := passwordConfig(t, server)
	client := connectedClient(t, config)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.Host != config.Host {
		t.Errorf("expected host '%s', got '%s'", config.Host, info.Host)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ViaProxy {
		t.Error("expected direct connection")
	}
}

func TestSSHClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := passwordConfig(t, server)
	config.Password = "wrong"

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Connect() error = %v, want *TransportError", err)
	}
	if !terr.IsAuthError || terr.Temporary() {
		t.Errorf("TransportError = %+v, want permanent auth error", terr)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(t, server))

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(t, server))

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
	if _, err := client.StartStdio(context.Background(), serviceCommand); err == nil {
		t.Error("expected StartStdio to fail after disconnect")
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client := connectedClient(t, config)
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientStartStdio(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(t, server))

	stream, err := client.StartStdio(context.Background(), serviceCommand)
	if err != nil {
		t.Fatalf("StartStdio() error = %v", err)
	}
	defer stream.Close()

	enc := protocol.NewEncoder(stream)
	dec := protocol.NewDecoder(stream)

	if err := enc.Encode(protocol.MessageTypeHello, "h1", &protocol.HelloMessage{
		Version: protocol.CurrentVersion,
		Client:  "ssh-test",
	}); err != nil {
		t.Fatalf("Encode(HELLO) error = %v", err)
	}
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != protocol.MessageTypeReady || msg.ID != "h1" {
		t.Fatalf("handshake reply = %s %s, want READY h1", msg.Type, msg.ID)
	}

	if err := enc.Encode(protocol.MessageTypeRequest, "r1", &protocol.RequestMessage{
		Method:  "echo",
		Payload: json.RawMessage(`{"ping":true}`),
	}); err != nil {
		t.Fatalf("Encode(REQUEST) error = %v", err)
	}
	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var resp protocol.ResponseMessage
	if err := msg.ParseData(&resp); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if string(resp.Result) != `{"ping":true}` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestSSHClientStartStdioCommandExits(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(t, server))

	stream, err := client.StartStdio(context.Background(), "missing-service")
	if err != nil {
		t.Fatalf("StartStdio() error = %v", err)
	}
	defer stream.Close()

	buf := make([]byte, 16)
	if _, err := stream.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}

	if _, err := client.StartStdio(context.Background(), "  "); err == nil {
		t.Error("expected error for empty command")
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
