package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/p-arndt/sandpipe/protocol"
)

const maxKeyLength = 256

// validateDataRequest validates key/value operation parameters
func validateDataRequest(op string, req protocol.DataRequest) error {
	if req.Key == "" {
		return fmt.Errorf("key is required")
	}
	if len(req.Key) > maxKeyLength {
		return fmt.Errorf("key must not exceed %d bytes", maxKeyLength)
	}
	if strings.IndexFunc(req.Key, unicode.IsControl) >= 0 {
		return fmt.Errorf("key must not contain control characters")
	}
	if op == protocol.DataSet {
		if len(req.Value) == 0 {
			return fmt.Errorf("value is required for %s", op)
		}
		if !json.Valid(req.Value) {
			return fmt.Errorf("value must be valid json")
		}
	}
	return nil
}

// validateLogEntry checks a shipped log line and resolves its level.
func validateLogEntry(entry protocol.LogEntry) (slog.Level, error) {
	if entry.Message == "" {
		return 0, fmt.Errorf("message is required")
	}
	if entry.Level == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(entry.Level)); err != nil {
		return 0, fmt.Errorf("unknown level %q", entry.Level)
	}
	return level, nil
}
