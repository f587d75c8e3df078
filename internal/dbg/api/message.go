// Package api defines the envelopes exchanged between dbgapi clients and the
// server, their newline-delimited JSON framing and the protocol error codes.
package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	TypeRequest  = "request"
	TypeResponse = "response"

	StatusSuccess = "success"
	StatusError   = "error"

	// Version is reported by the version request.
	Version = 1.0

	// DefaultMaxMessageSize bounds a single frame.
	DefaultMaxMessageSize = 1 << 20
)

// ErrMessageTooLarge is returned by ReadMessage when a frame exceeds the
// size limit. The stream cannot be resynchronised after it.
var ErrMessageTooLarge = errors.New("message too large")

type Request struct {
	Type    string          `json:"type"`
	Request string          `json:"request"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	ErrorCode ErrorCode       `json:"error_code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// NewRequest builds a request for name carrying params as its data.
// params may be nil.
func NewRequest(name string, params interface{}) (*Request, error) {
	req := &Request{Type: TypeRequest, Request: name}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s parameters: %w", name, err)
		}
		req.Data = b
	}
	return req, nil
}

func mustRequest(name string, params interface{}) *Request {
	req, err := NewRequest(name, params)
	if err != nil {
		panic(err)
	}
	return req
}

// DecodeData unmarshals the request data into v. Absent or null data
// decodes as an empty object.
func (r *Request) DecodeData(v interface{}) error {
	return decodeData(r.Data, v)
}

// NewSuccess wraps a handler result. A nil result yields an empty data object.
func NewSuccess(result interface{}) *Response {
	data := json.RawMessage("{}")
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return NewError(Errorf(CodeGeneric, "encoding result: %v", err))
		}
		data = b
	}
	return &Response{Type: TypeResponse, Status: StatusSuccess, Data: data}
}

// NewError builds an error response. An empty message is replaced by the
// code's name so error responses always carry text.
func NewError(e *Error) *Response {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	return &Response{
		Type:      TypeResponse,
		Status:    StatusError,
		ErrorCode: e.Code,
		Message:   msg,
	}
}

func (r *Response) IsSuccess() bool { return r.Status == StatusSuccess }

func (r *Response) IsError() bool { return r.Status != StatusSuccess }

// Err returns the protocol error carried by an error response, or nil.
func (r *Response) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return &Error{Code: r.ErrorCode, Message: r.Message}
}

// DecodeData unmarshals the result payload into v.
func (r *Response) DecodeData(v interface{}) error {
	return decodeData(r.Data, v)
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, v)
}

// Encode serialises an envelope. It does not add framing.
func Encode(m interface{}) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeRequest parses one request envelope. Failures are *Error values
// with CodeInvalidMessage.
func DecodeRequest(b []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, Errorf(CodeInvalidMessage, "invalid JSON: %v", err)
	}
	if req.Type != TypeRequest {
		return nil, Errorf(CodeInvalidMessage, "unexpected message type %q", req.Type)
	}
	if req.Request == "" {
		return nil, Errorf(CodeInvalidMessage, "missing request name")
	}
	return &req, nil
}

// DecodeResponse parses one response envelope.
func DecodeResponse(b []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, Errorf(CodeInvalidMessage, "invalid JSON: %v", err)
	}
	if resp.Type != TypeResponse {
		return nil, Errorf(CodeInvalidMessage, "unexpected message type %q", resp.Type)
	}
	switch resp.Status {
	case StatusSuccess, StatusError:
	default:
		return nil, Errorf(CodeInvalidMessage, "unknown response status %q", resp.Status)
	}
	return &resp, nil
}

// ReadMessage reads one newline-terminated frame. Blank lines are skipped.
// A final frame without a trailing newline is returned as is; the next call
// reports io.EOF.
func ReadMessage(r *bufio.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	for {
		var msg []byte
		for {
			chunk, err := r.ReadSlice('\n')
			if len(msg)+len(chunk) > max+1 {
				return nil, ErrMessageTooLarge
			}
			msg = append(msg, chunk...)
			if err == bufio.ErrBufferFull {
				continue
			}
			if err == io.EOF && len(bytes.TrimSpace(msg)) > 0 {
				break
			}
			if err != nil {
				return nil, err
			}
			break
		}
		msg = bytes.TrimSpace(msg)
		if len(msg) > 0 {
			return msg, nil
		}
	}
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m interface{}) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
