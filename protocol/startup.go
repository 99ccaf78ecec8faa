package protocol

import (
	"mime"
	"net/http"
	"strings"
)

// StartupContext is passed to the runner daemon as its single JSON
// argument. All paths are as seen from inside the sandbox.
type StartupContext struct {
	OutputLogPath  string `json:"output_log_path"`
	ErrorLogPath   string `json:"error_log_path"`
	ScriptPath     string `json:"script_path"`
	AuthToken      string `json:"auth_token,omitempty"`
	ExecutionID    string `json:"execution_id"`
	WorkerID       string `json:"worker_id"`
	SideChannelURL string `json:"side_channel_url,omitempty"`
	RequestPipe    string `json:"request_pipe"`
	ResponsePipe   string `json:"response_pipe"`
}

// Sandbox-side mount points.
const (
	SandboxAppDir  = "/app"
	SandboxDepsDir = "/deps"
	SandboxTmpDir  = "/tmp"
	SandboxLogDir  = "/logs"
)

const (
	RequestPipeName  = "request.pipe"
	ResponsePipeName = "response.pipe"
	OutputLogName    = "out.log"
	ErrorLogName     = "err.log"
	DefaultScript    = "index.js"
)

// Environment variables read by the daemon.
const (
	EnvMaxConcurrency = "MAX_CONCURRENCY"
	EnvWorkerPrefix   = "WORKER_ENV_"
	// Byte sizes for splitting handler results; unset means the defaults.
	EnvChunkSize      = "STREAM_CHUNK_SIZE"
	EnvStaticMaxBytes = "STREAM_STATIC_MAX_BYTES"
)

// DefaultMaxConcurrency is the daemon's dispatch ceiling when
// MAX_CONCURRENCY is unset.
const DefaultMaxConcurrency = 10

// StreamContentType replaces the content type of streaming metadata frames.
// The original type travels in OriginalContentTypeHeader.
const (
	StreamContentType         = "application/octet-stream"
	OriginalContentTypeHeader = "X-Original-Content-Type"
)

// DefaultChunkSize is the raw byte size of one stream_chunk before base64.
const DefaultChunkSize = 64 * 1024

// DefaultStaticMaxBytes is the largest body sent inline in a response frame.
const DefaultStaticMaxBytes = 256 * 1024

var staticContentTypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/xml":        true,
	"text/plain":             true,
	"text/html":              true,
	"text/css":               true,
	"text/csv":               true,
	"text/xml":               true,
	"text/javascript":        true,
}

// HandlerResult is what a handler produced, before it is put on the wire.
type HandlerResult struct {
	Status int
	Header http.Header
	Body   []byte
	// Chunked is set when the handler produced its body as a sequence of
	// pieces; Chunks then holds them and Body is ignored.
	Chunked bool
	Chunks  [][]byte
}

// IsStatic reports whether res may be sent as a single response frame.
func IsStatic(res *HandlerResult, maxBytes int) bool {
	if res.Chunked {
		return false
	}
	if maxBytes <= 0 {
		maxBytes = DefaultStaticMaxBytes
	}
	if len(res.Body) > maxBytes {
		return false
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return staticContentTypes[strings.ToLower(mediaType)]
}
