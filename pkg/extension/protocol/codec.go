package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest frame accepted on stream transports.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Encoder writes newline-delimited messages to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, id string, data interface{}) error {
	msg, err := NewMessage(msgType, id, data)
	if err != nil {
		return err
	}
	return e.Write(msg)
}

// Write writes a prepared envelope.
func (e *Encoder) Write(msg *Message) error {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(msgBytes) >= MaxFrameSize {
		return ErrFrameTooLarge
	}

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(id string, msg *ErrorMessage) error {
	return e.Encode(MessageTypeError, id, msg)
}

// Decoder reads newline-delimited messages from an io.Reader. A read that
// fails part way through a frame, such as on a deadline, keeps the partial
// frame so the next Decode resumes where it stopped.
type Decoder struct {
	r       *bufio.Reader
	partial []byte
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r: bufio.NewReaderSize(r, 64*1024),
	}
}

// Decode reads the next message from the input stream. It returns io.EOF
// when the stream ends cleanly.
func (d *Decoder) Decode() (*Message, error) {
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.partial = append(d.partial, chunk...)
		if len(d.partial) > MaxFrameSize {
			d.partial = nil
			return nil, ErrFrameTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(d.partial) == 0 {
					return nil, io.EOF
				}
				d.partial = nil
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read error: %w", err)
		}
		break
	}

	line := bytes.TrimRight(d.partial, "\r\n")
	defer func() { d.partial = d.partial[:0] }()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}
