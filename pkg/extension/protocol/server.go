package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

// ExchangePath is the HTTP route for one request/response exchange.
const ExchangePath = "/v1/exchange"

// HandlerFunc serves one method call. Returning an *ErrorMessage sends it
// verbatim; any other error is reported as a non-retryable REMOTE_ERROR.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Error implements error so handlers can return a classified failure.
func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Server is the service side of the protocol. Domain services embed it;
// tests use it to stand up fake services.
type Server struct {
	Version  pipeline.APIVersion
	Metadata map[string]string

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer creates a server announcing version.
func NewServer(version pipeline.APIVersion) *Server {
	return &Server{
		Version:  version,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a method. Registered methods form the capability set.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Ready returns the READY body for this server.
func (s *Server) Ready() *ReadyMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caps := make(map[string]bool, len(s.handlers))
	for m := range s.handlers {
		caps[m] = true
	}
	return &ReadyMessage{Version: s.Version, Capabilities: caps, Metadata: s.Metadata}
}

// ServeConn speaks the stream protocol on rw until the peer hangs up or
// ctx is cancelled. Each connection must start with HELLO.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	dec := NewDecoder(rw)
	enc := NewEncoder(rw)

	greeted := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if !greeted && msg.Type != MessageTypeHello {
			_ = enc.EncodeError(msg.ID, &ErrorMessage{Code: "PROTOCOL", Message: "expected HELLO"})
			return fmt.Errorf("expected HELLO, got %s", msg.Type)
		}

		reply := s.Exchange(ctx, msg)
		if err := enc.Write(reply); err != nil {
			return err
		}
		greeted = true
	}
}

// Exchange answers a single frame. It is transport independent.
func (s *Server) Exchange(ctx context.Context, msg *Message) *Message {
	switch msg.Type {
	case MessageTypeHello:
		var hello HelloMessage
		if err := msg.ParseData(&hello); err != nil {
			return s.errorReply(msg.ID, &ErrorMessage{Code: "PROTOCOL", Message: err.Error()})
		}
		return s.reply(MessageTypeReady, msg.ID, s.Ready())

	case MessageTypeRequest:
		var req RequestMessage
		if err := msg.ParseData(&req); err != nil {
			return s.errorReply(msg.ID, &ErrorMessage{Code: "PROTOCOL", Message: err.Error()})
		}
		if err := req.Validate(); err != nil {
			return s.errorReply(msg.ID, &ErrorMessage{Code: "PROTOCOL", Message: err.Error()})
		}
		return s.call(ctx, msg.ID, &req)

	default:
		return s.errorReply(msg.ID, &ErrorMessage{
			Code:    "PROTOCOL",
			Message: fmt.Sprintf("unexpected message type %s", msg.Type),
		})
	}
}

func (s *Server) call(ctx context.Context, id string, req *RequestMessage) *Message {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return s.errorReply(id, &ErrorMessage{
			Code:    pipeline.CodeCapabilityMissing,
			Message: fmt.Sprintf("unknown method %s", req.Method),
		})
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	result, err := h(ctx, req.Payload)
	if err != nil {
		var em *ErrorMessage
		if !errors.As(err, &em) {
			em = &ErrorMessage{Code: pipeline.CodeRemote, Message: err.Error()}
		}
		return s.errorReply(id, em)
	}
	return s.reply(MessageTypeResponse, id, &ResponseMessage{Result: result})
}

func (s *Server) reply(t MessageType, id string, data interface{}) *Message {
	msg, err := NewMessage(t, id, data)
	if err != nil {
		return s.errorReply(id, &ErrorMessage{Code: pipeline.CodeRemote, Message: err.Error()})
	}
	return msg
}

func (s *Server) errorReply(id string, em *ErrorMessage) *Message {
	b, _ := json.Marshal(em)
	return &Message{Type: MessageTypeError, ID: id, Timestamp: time.Now().UTC(), Data: b}
}

// ServeHTTP answers POST /v1/exchange with one frame per request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != ExchangePath {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxFrameSize)).Decode(&msg); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := msg.Type.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Exchange(r.Context(), &msg))
}
