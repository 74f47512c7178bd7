package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalchat/internal/domain"
	"evalchat/internal/infra/config"
)

type staticCreds string

func (c staticCreds) Token() string { return string(c) }

func testEndpointConfig(baseURL string) config.EndpointConfig {
	return config.EndpointConfig{
		BaseURL:     baseURL,
		ConnTimeout: 5 * time.Second,
		RespTimeout: 5 * time.Second,
	}
}

func sseHandler(t *testing.T, lines ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, line := range lines {
			_, _ = w.Write([]byte("data: " + line + "\n\n"))
			flusher.Flush()
		}
	}
}

func TestOpenStreamsFragments(t *testing.T) {
	var gotAuth, gotModel, gotMessages atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotModel.Store(r.URL.Query().Get("model"))
		gotMessages.Store(r.URL.Query().Get("messages"))
		sseHandler(t, `{"content":"Hi"}`, `{"content":" there"}`, "[DONE]")(w, r)
	}))
	defer srv.Close()

	client := NewClient(testEndpointConfig(srv.URL), staticCreds("tok-123"), slog.Default())
	handle, err := client.Open(context.Background(), domain.StreamRequest{
		Model: "gpt-test",
		Messages: []domain.TurnParam{
			{Role: domain.RoleUser, Content: "Hello"},
		},
	})
	require.NoError(t, err)

	var content string
	var terminal domain.StreamEvent
	for ev := range handle.Events() {
		if ev.Kind == domain.StreamData {
			content += ev.Content
		} else {
			terminal = ev
		}
	}

	assert.Equal(t, "Hi there", content)
	assert.Equal(t, domain.StreamClose, terminal.Kind)
	assert.Equal(t, "Bearer tok-123", gotAuth.Load())
	assert.Equal(t, "gpt-test", gotModel.Load())
	assert.JSONEq(t, `[{"role":"user","content":"Hello"}]`, gotMessages.Load().(string))
}

func TestOpenWithoutCredentialFails(t *testing.T) {
	client := NewClient(testEndpointConfig("http://localhost:0"), staticCreds(""), slog.Default())

	_, err := client.Open(context.Background(), domain.StreamRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoCredential))
}

func TestOpenMapsHTTPErrors(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthInvalid},
		{"forbidden", http.StatusForbidden, domain.ErrAuthInvalid},
		{"rate limited", http.StatusTooManyRequests, domain.ErrRateLimit},
		{"server error", http.StatusBadGateway, domain.ErrProviderError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			client := NewClient(testEndpointConfig(srv.URL), staticCreds("tok"), slog.Default())
			_, err := client.Open(context.Background(), domain.StreamRequest{Model: "m"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.sentinel), "got %v", err)
		})
	}
}

func TestOpenInterruptedStreamSynthesizesError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, `{"content":"partial"}`)) // no [DONE]
	defer srv.Close()

	client := NewClient(testEndpointConfig(srv.URL), staticCreds("tok"), slog.Default())
	handle, err := client.Open(context.Background(), domain.StreamRequest{Model: "m"})
	require.NoError(t, err)

	var last domain.StreamEvent
	for ev := range handle.Events() {
		last = ev
	}
	require.Equal(t, domain.StreamError, last.Kind)
	assert.True(t, errors.Is(last.Err, domain.ErrStreamInterrupted))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testEndpointConfig(srv.URL)
	cfg.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:     true,
		MaxFailures: 2,
		Timeout:     time.Minute,
		Interval:    time.Minute,
	}
	client := NewClient(cfg, staticCreds("tok"), slog.Default())

	for i := 0; i < 5; i++ {
		_, err := client.Open(context.Background(), domain.StreamRequest{Model: "m"})
		require.Error(t, err)
	}

	// After the breaker trips, subsequent opens fail fast without a request.
	assert.Equal(t, int32(2), hits.Load())
}
