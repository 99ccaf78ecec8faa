package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/sandpipe/internal/invoke"
	"github.com/p-arndt/sandpipe/protocol"
)

const shutdownTimeout = 30 * time.Second

func newInvokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <app> <install> <worker> <path>",
		Short: "Send one HTTP request to an app's handler",
		Long: `Start (or reuse) the worker for the given key, send it one request and
write the response body to stdout. Handler console output goes to stderr.`,
		Args: cobra.ExactArgs(4),
		RunE: runInvoke,
	}

	cmd.Flags().StringP("request", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringP("data", "d", "", "request body; @file reads it from a file")
	cmd.Flags().StringArrayP("header", "H", nil, `request header as "Name: value" (repeatable)`)
	cmd.Flags().String("token", "", "end-user bearer token; without one the request is sent as internal")
	cmd.Flags().BoolP("include", "i", false, "print the status line and headers before the body")

	return cmd
}

func runInvoke(cmd *cobra.Command, args []string) error {
	method, _ := cmd.Flags().GetString("request")
	data, _ := cmd.Flags().GetString("data")
	headers, _ := cmd.Flags().GetStringArray("header")
	token, _ := cmd.Flags().GetString("token")
	include, _ := cmd.Flags().GetBool("include")

	body, err := readData(data)
	if err != nil {
		return err
	}
	path := args[3]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(method), path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if err := applyHeaders(req.Header, headers); err != nil {
		return err
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	eng, err := startEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close(shutdownTimeout)

	target, err := eng.target(args[0], args[1], args[2])
	if err != nil {
		return err
	}

	opts := []invoke.Option{invoke.WithStdout(consoleWriter(cmd.ErrOrStderr()))}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		opts = append(opts, invoke.WithInternal())
	}

	resp, err := eng.invoker.RunRequest(cmd.Context(), target, req, opts...)
	if err != nil {
		return describeError(err)
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	if include {
		fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
		resp.Header.Write(out)
		fmt.Fprintln(out)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	return nil
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task <app> <install> <worker> <name>",
		Short: "Run one background task on an app's handler",
		Args:  cobra.ExactArgs(4),
		RunE:  runTask,
	}

	cmd.Flags().StringP("payload", "p", "", "task payload as JSON; @file reads it from a file")

	return cmd
}

func runTask(cmd *cobra.Command, args []string) error {
	data, _ := cmd.Flags().GetString("payload")
	payload, err := readData(data)
	if err != nil {
		return err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return errors.New("payload is not valid JSON")
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	eng, err := startEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close(shutdownTimeout)

	target, err := eng.target(args[0], args[1], args[2])
	if err != nil {
		return err
	}

	start := time.Now()
	err = eng.invoker.RunTask(cmd.Context(), target, protocol.Task{Name: args[3], Payload: payload},
		invoke.WithInternal(), invoke.WithStdout(consoleWriter(cmd.ErrOrStderr())))
	if err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task %s finished in %s\n", args[3], time.Since(start).Round(time.Millisecond))
	return nil
}

// readData returns s itself, or the contents of the file named by @s.
func readData(s string) ([]byte, error) {
	if name, ok := strings.CutPrefix(s, "@"); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return data, nil
	}
	return []byte(s), nil
}

func applyHeaders(h http.Header, lines []string) error {
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("invalid header %q, want \"Name: value\"", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return nil
}

// consoleWriter prefixes each forwarded console line with its stream.
func consoleWriter(w io.Writer) func(stream string, data []byte) {
	return func(stream string, data []byte) {
		fmt.Fprintf(w, "[%s] %s", stream, data)
	}
}

// describeError spells out which side a unit failure came from.
func describeError(err error) error {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		return err
	}
	if protocol.IsPlatformError(err) {
		return fmt.Errorf("platform error: %w", err)
	}
	return fmt.Errorf("handler error: %w", err)
}
