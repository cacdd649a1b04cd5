// Package protocol defines the messages exchanged between the host and its
// module workers, and the newline-delimited JSON codec that carries them.
//
// Every message is one JSON object on one line. Host-to-worker messages are
// Init and HTTPRequest; worker-to-host messages are RegisterRoute, Log,
// Ready and Response. A Response is recognised by the absence of a "type"
// field together with a correlation "id".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeInit          Type = "init"
	TypeHTTPRequest   Type = "httpRequest"
	TypeRegisterRoute Type = "registerRoute"
	TypeLog           Type = "log"
	TypeReady         Type = "ready"
	// TypeResponse is never written on the wire; responses carry no type.
	TypeResponse Type = "response"
)

var (
	ErrUnknownType     = errors.New("unknown message type")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

var validate = validator.New()

// Message is the tagged union of all protocol messages.
type Message interface {
	Type() Type
	wire() envelope
}

// Init asks a worker to run its module's init entry point.
type Init struct{}

// HTTPRequest forwards one inbound HTTP request to a worker.
type HTTPRequest struct {
	ID      string            `validate:"required"`
	RouteID string            `validate:"required"`
	Method  string            `validate:"required"`
	Path    string            `validate:"required,startswith=/"`
	Query   string            `validate:"-"`
	Headers map[string]string `validate:"-"`
	Body    json.RawMessage   `validate:"-"`
}

// RegisterRoute declares a path prefix served by the sending module.
type RegisterRoute struct {
	ID   string `validate:"required,max=256"`
	Path string `validate:"required,startswith=/,max=2048"`
}

// Log carries one diagnostic line from a module.
type Log struct {
	Message string
}

// Ready reports that the module loaded and its init entry point was invoked.
type Ready struct{}

// Response answers a prior HTTPRequest with the same ID.
type Response struct {
	ID      string            `validate:"required"`
	Status  int               `validate:"omitempty,min=100,max=599"`
	Output  json.RawMessage   `validate:"-"`
	Headers map[string]string `validate:"-"`
}

func (Init) Type() Type          { return TypeInit }
func (HTTPRequest) Type() Type   { return TypeHTTPRequest }
func (RegisterRoute) Type() Type { return TypeRegisterRoute }
func (Log) Type() Type           { return TypeLog }
func (Ready) Type() Type         { return TypeReady }
func (Response) Type() Type      { return TypeResponse }

// envelope is the flat on-the-wire shape shared by every message.
type envelope struct {
	Type    Type              `json:"type,omitempty"`
	ID      string            `json:"id,omitempty"`
	RouteID string            `json:"routeId,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Message json.RawMessage   `json:"message,omitempty"`
	Status  int               `json:"status,omitempty"`
	Output  json.RawMessage   `json:"output,omitempty"`
}

func (Init) wire() envelope { return envelope{Type: TypeInit} }

func (m HTTPRequest) wire() envelope {
	return envelope{
		Type:    TypeHTTPRequest,
		ID:      m.ID,
		RouteID: m.RouteID,
		Method:  m.Method,
		Path:    m.Path,
		Query:   m.Query,
		Headers: m.Headers,
		Body:    m.Body,
	}
}

func (m RegisterRoute) wire() envelope {
	return envelope{Type: TypeRegisterRoute, ID: m.ID, Path: m.Path}
}

func (m Log) wire() envelope {
	raw, _ := sonic.ConfigStd.Marshal(m.Message)
	return envelope{Type: TypeLog, Message: raw}
}

func (Ready) wire() envelope { return envelope{Type: TypeReady} }

func (m Response) wire() envelope {
	return envelope{ID: m.ID, Status: m.Status, Output: m.Output, Headers: m.Headers}
}

// Marshal encodes a message as a single JSON object without a trailing newline.
func Marshal(m Message) ([]byte, error) {
	return sonic.ConfigStd.Marshal(m.wire())
}

// Unmarshal decodes and validates one message.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := sonic.ConfigStd.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg Message
	switch env.Type {
	case TypeInit:
		msg = Init{}
	case TypeHTTPRequest:
		msg = HTTPRequest{
			ID:      env.ID,
			RouteID: env.RouteID,
			Method:  env.Method,
			Path:    env.Path,
			Query:   env.Query,
			Headers: env.Headers,
			Body:    env.Body,
		}
	case TypeRegisterRoute:
		msg = RegisterRoute{ID: env.ID, Path: env.Path}
	case TypeLog:
		msg = Log{Message: rawText(env.Message)}
	case TypeReady:
		msg = Ready{}
	case "":
		if env.ID == "" {
			return nil, fmt.Errorf("%w: missing type and id", ErrInvalidMessage)
		}
		msg = Response{ID: env.ID, Status: env.Status, Output: env.Output, Headers: env.Headers}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := Validate(msg); err != nil {
		if resp, ok := msg.(Response); ok && resp.ID != "" {
			return nil, &ResponseError{ID: resp.ID, Err: err}
		}
		return nil, err
	}
	return msg, nil
}

// ResponseError reports a response that carried a correlation id but
// failed validation, so the waiting request can be failed instead of
// left to time out.
type ResponseError struct {
	ID  string
	Err error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("response %s: %v", e.ID, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// Validate checks the field constraints of a message.
func Validate(m Message) error {
	var err error
	switch v := m.(type) {
	case HTTPRequest:
		err = validate.Struct(v)
	case RegisterRoute:
		err = validate.Struct(v)
	case Response:
		err = validate.Struct(v)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Type(), err)
	}
	return nil
}

// OutputText returns the output as a plain string when it is a JSON string.
func (r Response) OutputText() (string, bool) {
	if len(r.Output) == 0 || r.Output[0] != '"' {
		return "", false
	}
	var s string
	if err := sonic.ConfigStd.Unmarshal(r.Output, &s); err != nil {
		return "", false
	}
	return s, true
}

// TextOutput builds a Response output field from a plain string.
func TextOutput(s string) json.RawMessage {
	raw, _ := sonic.ConfigStd.Marshal(s)
	return raw
}

// rawText renders a JSON value as text: strings unquoted, anything else as
// compact JSON.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if raw[0] == '"' && sonic.ConfigStd.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
