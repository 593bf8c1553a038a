// Package protocol defines the JSON frames exchanged between the
// orchestrator and domain services.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

// CurrentVersion is the protocol version this build speaks.
var CurrentVersion = pipeline.APIVersion{Major: 1, Minor: 0}

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeHello opens a connection from the client side
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeReady answers HELLO with the service's version and capabilities
	MessageTypeReady MessageType = "READY"
	// MessageTypeRequest invokes a method
	MessageTypeRequest MessageType = "REQUEST"
	// MessageTypeResponse carries a method result
	MessageTypeResponse MessageType = "RESPONSE"
	// MessageTypeError reports a failed handshake or request
	MessageTypeError MessageType = "ERROR"
)

// Message is the envelope of every frame. Replies carry the ID of the
// frame they answer.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloMessage is sent by the client when a connection opens.
type HelloMessage struct {
	Version pipeline.APIVersion `json:"version"`
	Client  string              `json:"client"`
}

// ReadyMessage is the service's answer to HELLO.
type ReadyMessage struct {
	Version      pipeline.APIVersion `json:"version"`
	Capabilities map[string]bool     `json:"capabilities"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}

// RequestMessage invokes Method with Payload.
type RequestMessage struct {
	Method    string          `json:"method"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ResponseMessage carries the result of a request.
type ResponseMessage struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorMessage reports a failure. Retryable and RetryAfterMS are the
// service's own classification.
type ErrorMessage struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Details      map[string]string `json:"details,omitempty"`
	Retryable    bool              `json:"retryable"`
	RetryAfterMS int64             `json:"retry_after_ms,omitempty"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeHello, MessageTypeReady, MessageTypeRequest,
		MessageTypeResponse, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the request is valid.
func (r *RequestMessage) Validate() error {
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	if r.TimeoutMS < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Validate checks if the error message is valid.
func (e *ErrorMessage) Validate() error {
	if e.Code == "" {
		return fmt.Errorf("error code is required")
	}
	if e.RetryAfterMS < 0 {
		return fmt.Errorf("retry_after_ms must not be negative")
	}
	return nil
}

// NewMessage builds an envelope around data.
func NewMessage(msgType MessageType, id string, data interface{}) (*Message, error) {
	if err := msgType.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}

	msg := &Message{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		msg.Data = b
	}
	return msg, nil
}

// ParseData decodes the message body into target.
func (m *Message) ParseData(target interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", m.Type, err)
	}
	return nil
}
