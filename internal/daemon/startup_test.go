package daemon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/protocol"
)

func TestParseStartup(t *testing.T) {
	want := protocol.StartupContext{
		OutputLogPath:  "/logs/out.log",
		ErrorLogPath:   "/logs/err.log",
		ScriptPath:     "/app/index.js",
		AuthToken:      "tok",
		ExecutionID:    "e1",
		WorkerID:       "w1",
		SideChannelURL: "http://127.0.0.1:8787",
		RequestPipe:    "/tmp/request.pipe",
		ResponsePipe:   "/tmp/response.pipe",
	}
	data, err := json.Marshal(want)
	require.NoError(t, err)

	got, err := ParseStartup(string(data))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseStartupRejects(t *testing.T) {
	_, err := ParseStartup("")
	assert.Error(t, err)

	_, err = ParseStartup("{not json")
	assert.Error(t, err)

	_, err = ParseStartup(`{"request_pipe":"/a","bogus":1}`)
	assert.Error(t, err)

	_, err = ParseStartup(`{"request_pipe":"/a"}`)
	assert.ErrorContains(t, err, "response_pipe, script_path, output_log_path, error_log_path")
}

func TestMaxConcurrency(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	assert.Equal(t, protocol.DefaultMaxConcurrency, MaxConcurrency(getenv))
	env[protocol.EnvMaxConcurrency] = "3"
	assert.Equal(t, 3, MaxConcurrency(getenv))
	env[protocol.EnvMaxConcurrency] = "-1"
	assert.Equal(t, protocol.DefaultMaxConcurrency, MaxConcurrency(getenv))
	env[protocol.EnvMaxConcurrency] = "lots"
	assert.Equal(t, protocol.DefaultMaxConcurrency, MaxConcurrency(getenv))
}

func TestResultOptions(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	assert.Equal(t, pipe.ResultOptions{}, ResultOptions(getenv))
	env[protocol.EnvChunkSize] = "1024"
	env[protocol.EnvStaticMaxBytes] = "zero"
	assert.Equal(t, pipe.ResultOptions{ChunkSize: 1024}, ResultOptions(getenv))
}

func TestWorkerEnv(t *testing.T) {
	env := WorkerEnv([]string{
		"PATH=/usr/bin",
		"WORKER_ENV_API_URL=https://x.test/?a=b",
		"WORKER_ENV_EMPTY=",
		"WORKER_ENV_=ignored",
		"MALFORMED",
	})
	assert.Equal(t, map[string]string{"API_URL": "https://x.test/?a=b", "EMPTY": ""}, env)
}
