package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// SideChannelRequest builds a request to a side-channel route as a daemon
// sends it: JSON body, authenticated with the worker token when one is set.
func SideChannelRequest(t *testing.T, method, path, workerToken string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body), "encode request body")
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if workerToken != "" {
		req.Header.Set("Authorization", "Bearer "+workerToken)
	}
	return req
}

// CallSideChannel serves one side-channel request against h.
func CallSideChannel(t *testing.T, h http.Handler, method, path, workerToken string, body any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, SideChannelRequest(t, method, path, workerToken, body))
	return rec
}

// DecodeJSON decodes the recorded response body into v.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	body := rec.Body.String()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v), "decode response (body: %s)", body)
}
