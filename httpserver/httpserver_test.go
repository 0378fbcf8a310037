package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/throttle/log"
)

func TestServer_BasicOperation(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))
	registry := prometheus.NewRegistry()

	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(registry),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, string(body))

	// Every non-bypassed request gets a request id.
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	// The access log carries the request metadata.
	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "http_request_method")
	assert.Contains(t, logOutput, "/test")
	assert.Contains(t, logOutput, "test-agent")
	assert.Contains(t, logOutput, "200")

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	foundMetrics := false
	for _, mf := range metricFamilies {
		if strings.Contains(*mf.Name, "http_server_") {
			foundMetrics = true
			break
		}
	}
	assert.True(t, foundMetrics, "HTTP server metrics should exist")
}

func TestServer_PanicHandling(t *testing.T) {
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	server := NewServer(":8080", panicHandler,
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	require.NoError(t, err)
	defer resp.Body.Close()

	// A panicking handler answers 500 and does not take the server
	// down.
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var respBody map[string]string
	require.NoError(t, json.Unmarshal(body, &respBody))
	assert.Equal(t, "internal error", respBody["error"])

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "test panic")
	assert.Contains(t, logOutput, "stacktrace")

	assert.NotPanics(t, func() {
		resp, err := http.Get(ts.URL + "/panic")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestServer_Health(t *testing.T) {
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called for health endpoint")
	})

	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	server := NewServer(":8080", testHandler,
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))

	// Health checks bypass logging and metrics entirely.
	assert.NotContains(t, logBuf.String(), "/health")
}
