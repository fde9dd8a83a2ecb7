package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is stamped into every message. The dispatcher refuses
// requests carrying any other value.
const ProtocolVersion = "1.0"

// Status reports the outcome of a dispatched request.
type Status int

const (
	StatusOK    Status = 0
	StatusError Status = -1
)

// Request is sent by the controller. Parameters are method-defined and
// stay opaque to the engine.
type Request struct {
	ID         int64           `json:"id"`
	Version    string          `json:"version"`
	Method     string          `json:"method"`
	Parameters json.RawMessage `json:"parameters"`
}

// Response answers exactly one Request; ID must match the request it
// answers.
type Response struct {
	ID      int64  `json:"id"`
	Version string `json:"version"`
	Status  Status `json:"status"`
	Result  string `json:"result"`
}

// EncodeRequest marshals req and wraps it in a frame.
func EncodeRequest(req *Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return EncodeFrame(payload)
}

// EncodeResponse marshals resp and wraps it in a frame.
func EncodeResponse(resp *Response) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return EncodeFrame(payload)
}

// DecodeRequest parses a frame payload into a Request. A missing or
// ill-typed required field fails the decode; fields are never default-filled.
func DecodeRequest(payload []byte) (*Request, error) {
	var raw struct {
		ID         *int64          `json:"id"`
		Version    *string         `json:"version"`
		Method     *string         `json:"method"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case raw.ID == nil:
		return nil, fmt.Errorf("%w: request missing id", ErrMalformedPayload)
	case raw.Version == nil:
		return nil, fmt.Errorf("%w: request missing version", ErrMalformedPayload)
	case raw.Method == nil:
		return nil, fmt.Errorf("%w: request missing method", ErrMalformedPayload)
	}
	return &Request{
		ID:         *raw.ID,
		Version:    *raw.Version,
		Method:     *raw.Method,
		Parameters: raw.Parameters,
	}, nil
}

// DecodeResponse parses a frame payload into a Response with the same
// all-or-nothing field validation as DecodeRequest.
func DecodeResponse(payload []byte) (*Response, error) {
	var raw struct {
		ID      *int64  `json:"id"`
		Version *string `json:"version"`
		Status  *int    `json:"status"`
		Result  *string `json:"result"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case raw.ID == nil:
		return nil, fmt.Errorf("%w: response missing id", ErrMalformedPayload)
	case raw.Version == nil:
		return nil, fmt.Errorf("%w: response missing version", ErrMalformedPayload)
	case raw.Status == nil:
		return nil, fmt.Errorf("%w: response missing status", ErrMalformedPayload)
	case raw.Result == nil:
		return nil, fmt.Errorf("%w: response missing result", ErrMalformedPayload)
	}
	status := Status(*raw.Status)
	if status != StatusOK && status != StatusError {
		return nil, fmt.Errorf("%w: unknown status %d", ErrMalformedPayload, *raw.Status)
	}
	return &Response{
		ID:      *raw.ID,
		Version: *raw.Version,
		Status:  status,
		Result:  *raw.Result,
	}, nil
}
