package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/p-arndt/sandpipe/internal/pipe"
	"github.com/p-arndt/sandpipe/protocol"
)

// ParseStartup decodes the single JSON argument the daemon is launched with.
func ParseStartup(arg string) (protocol.StartupContext, error) {
	var sc protocol.StartupContext
	if strings.TrimSpace(arg) == "" {
		return sc, errors.New("empty startup context")
	}
	dec := json.NewDecoder(strings.NewReader(arg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sc); err != nil {
		return sc, fmt.Errorf("decode startup context: %w", err)
	}

	var missing []string
	if sc.RequestPipe == "" {
		missing = append(missing, "request_pipe")
	}
	if sc.ResponsePipe == "" {
		missing = append(missing, "response_pipe")
	}
	if sc.ScriptPath == "" {
		missing = append(missing, "script_path")
	}
	if sc.OutputLogPath == "" {
		missing = append(missing, "output_log_path")
	}
	if sc.ErrorLogPath == "" {
		missing = append(missing, "error_log_path")
	}
	if len(missing) > 0 {
		return sc, fmt.Errorf("startup context missing %s", strings.Join(missing, ", "))
	}
	return sc, nil
}

// MaxConcurrency reads the dispatch ceiling from the environment.
func MaxConcurrency(getenv func(string) string) int {
	n, err := strconv.Atoi(getenv(protocol.EnvMaxConcurrency))
	if err != nil || n <= 0 {
		return protocol.DefaultMaxConcurrency
	}
	return n
}

// ResultOptions reads the result split sizes from the environment.
func ResultOptions(getenv func(string) string) pipe.ResultOptions {
	var opts pipe.ResultOptions
	if n, err := strconv.Atoi(getenv(protocol.EnvChunkSize)); err == nil && n > 0 {
		opts.ChunkSize = n
	}
	if n, err := strconv.Atoi(getenv(protocol.EnvStaticMaxBytes)); err == nil && n > 0 {
		opts.StaticMaxBytes = n
	}
	return opts
}

// WorkerEnv extracts WORKER_ENV_* variables with the prefix stripped.
func WorkerEnv(environ []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, protocol.EnvWorkerPrefix) {
			continue
		}
		if name = strings.TrimPrefix(name, protocol.EnvWorkerPrefix); name != "" {
			env[name] = value
		}
	}
	return env
}
