package protocol

import "encoding/json"

// Side-channel HTTP paths served by the platform and called by the daemon.
const (
	PathHealth   = "/healthz"
	PathAuth     = "/v1/auth/verify"
	PathLogs     = "/v1/logs"
	PathConfig   = "/v1/config"
	PathDataBase = "/v1/data/"
)

// Data operations accepted under PathDataBase.
const (
	DataGet    = "kv.get"
	DataSet    = "kv.set"
	DataDelete = "kv.delete"
)

// WorkerGrant binds a worker auth token to the worker it was issued for.
type WorkerGrant struct {
	AppID       string `json:"app_id"`
	InstallID   string `json:"install_id"`
	WorkerID    string `json:"worker_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type AuthRequest struct {
	Token string `json:"token"`
}

// Identity is the authenticated caller of a user-facing request.
type Identity struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
}

type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

type DataRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type DataResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}
