// Package protocol defines the JSON-line frames exchanged between the
// platform and the runner daemon over a worker's request/response pipes.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// MessageType discriminates the payload carried by an Envelope.
type MessageType string

const (
	TypeRequest     MessageType = "request"
	TypeResponse    MessageType = "response"
	TypeStreamChunk MessageType = "stream_chunk"
	TypeStreamEnd   MessageType = "stream_end"
	TypeStdoutChunk MessageType = "stdout_chunk"
	TypeShutdown    MessageType = "shutdown"
)

// Envelope is the on-wire shape of every frame: one JSON object per line.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by exactly the six frame payload types below.
type Message interface {
	MessageType() MessageType
}

// UnitKind says what a Request asks the daemon to run.
type UnitKind string

const (
	KindRequest UnitKind = "request"
	KindTask    UnitKind = "task"
)

// Request is a unit of work sent platform → daemon.
type Request struct {
	ID   string   `json:"id"`
	Kind UnitKind `json:"kind"`

	// Request fields
	HTTP *SerializedRequest `json:"http,omitempty"`

	// Task fields
	Task *Task `json:"task,omitempty"`

	// Internal marks platform-originated requests that skip authentication.
	Internal bool `json:"internal,omitempty"`
}

// SerializedRequest is an HTTP request flattened for the wire.
type SerializedRequest struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Task is a background unit of work. Tasks never produce a response payload.
type Task struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID       string              `json:"id"`
	Success  bool                `json:"success"`
	Response *SerializedResponse `json:"response,omitempty"`
	Error    *Error              `json:"error,omitempty"`
}

// SerializedResponse carries either a whole static body or, when Streaming
// is set, only metadata; the body then follows as stream_chunk frames.
type SerializedResponse struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	Streaming bool        `json:"streaming,omitempty"`
}

// StreamChunk carries one base64 encoded slice of a streaming body.
type StreamChunk struct {
	RequestID  string `json:"requestId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

// StreamEnd terminates a streaming body.
type StreamEnd struct {
	RequestID   string `json:"requestId"`
	TotalChunks int    `json:"totalChunks"`
}

// StdoutChunk forwards handler console output while the request runs.
type StdoutChunk struct {
	RequestID string `json:"requestId"`
	Stream    string `json:"stream,omitempty"` // "stdout" or "stderr"
	Data      string `json:"data"`
}

// Shutdown asks the peer to stop. The daemon also emits one on exit.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

func (*Request) MessageType() MessageType     { return TypeRequest }
func (*Response) MessageType() MessageType    { return TypeResponse }
func (*StreamChunk) MessageType() MessageType { return TypeStreamChunk }
func (*StreamEnd) MessageType() MessageType   { return TypeStreamEnd }
func (*StdoutChunk) MessageType() MessageType { return TypeStdoutChunk }
func (*Shutdown) MessageType() MessageType    { return TypeShutdown }

// Encode renders msg as a single newline-terminated frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.MessageType(), err)
	}
	data, err := json.Marshal(Envelope{Type: msg.MessageType(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one frame (with or without its trailing newline).
func Decode(line []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeRequest:
		msg = &Request{}
	case TypeResponse:
		msg = &Response{}
	case TypeStreamChunk:
		msg = &StreamChunk{}
	case TypeStreamEnd:
		msg = &StreamEnd{}
	case TypeStdoutChunk:
		msg = &StdoutChunk{}
	case TypeShutdown:
		msg = &Shutdown{}
	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
	}
	return msg, nil
}
