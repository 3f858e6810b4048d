// Package wire implements the framed protocol spoken between the bundled
// client and the server: a 4-byte big-endian length prefix followed by a JSON
// payload. The explicit length prefix (rather than delimiter scanning) keeps
// framing unambiguous regardless of payload content.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// MaxFrameSize bounds a single frame. Oversized frames indicate a broken or
// hostile peer and terminate the connection.
const MaxFrameSize = 1 << 20

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("wire: empty frame")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is the client-to-server envelope. Token is empty only for login.
type Request struct {
	Op        string          `json:"op"`
	RequestID string          `json:"request_id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Status values carried by every response.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrorDetail names the failure kind plus a human-readable message. The GUI
// maps Kind to its own copy; Message is advisory.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// Response is the server-to-client envelope.
type Response struct {
	Op        string          `json:"op,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Status    string          `json:"status"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Err is a convenience accessor turning an error response into a Go error.
func (r *Response) Err() error {
	if r.Status == StatusOK || r.Error == nil {
		return nil
	}
	return &ProtocolError{Kind: r.Error.Kind, Message: r.Error.Message}
}

// ProtocolError is a typed error decoded from an error response.
type ProtocolError struct {
	Kind    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame. io.EOF before the header means
// the peer closed cleanly; a short payload surfaces as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteRequest encodes and frames one request.
func WriteRequest(w io.Writer, req *Request) error {
	payload, err := codec.Marshal(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads and decodes one request.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("wire: decode request: %w", err)
	}
	if req.Op == "" {
		return nil, errors.New("wire: request missing op")
	}
	return &req, nil
}

// WriteResponse encodes and frames one response.
func WriteResponse(w io.Writer, resp *Response) error {
	payload, err := codec.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads and decodes one response.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := codec.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("wire: decode response: %w", err)
	}
	return &resp, nil
}

// MarshalData encodes a typed payload into the Data field representation.
func MarshalData(v any) (json.RawMessage, error) {
	return codec.Marshal(v)
}

// UnmarshalData decodes a Data field into out. A nil payload leaves out
// untouched.
func UnmarshalData(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return nil
	}
	return codec.Unmarshal(data, out)
}
