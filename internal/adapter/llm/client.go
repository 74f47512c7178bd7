// Package llm implements the stream transport for the chat completion
// endpoint: one server-push event stream per request.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"evalchat/internal/domain"
	"evalchat/internal/infra/config"
	"evalchat/internal/infra/tracer"
)

// CredentialSource provides the bearer token attached to outbound requests.
// The token lifecycle (login, refresh) is owned by the caller.
type CredentialSource interface {
	Token() string
}

// Client opens chat completion event streams.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger
}

// NewClient creates a stream client with pooled transport and, when enabled,
// a circuit breaker around stream opens.
func NewClient(cfg config.EndpointConfig, creds CredentialSource, logger *slog.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    newHTTPClient(cfg),
		creds:   creds,
		logger:  logger,
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = newBreaker(cfg.CircuitBreaker, logger)
	}
	return c
}

// Open implements domain.StreamOpener. The returned handle delivers data
// events in receipt order followed by exactly one terminal event. The stream
// lives until its terminal event, Close, or cancellation of ctx.
func (c *Client) Open(ctx context.Context, req domain.StreamRequest) (domain.StreamHandle, error) {
	ctx, span := tracer.StartSpan(ctx, "stream.open",
		trace.WithAttributes(
			attribute.String("chat.model", req.Model),
			attribute.Int("chat.turns", len(req.Messages)),
		),
	)
	defer span.End()

	token := c.creds.Token()
	if token == "" {
		err := domain.NewDomainError("Client.Open", domain.ErrNoCredential, "")
		tracer.RecordError(span, err)
		return nil, err
	}

	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	query := url.Values{
		"model":    {req.Model},
		"messages": {string(msgs)},
	}
	endpoint := c.baseURL + "/chat/completions?" + query.Encode()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	open := func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, mapHTTPError(resp.StatusCode, body)
		}
		return resp, nil
	}

	var resp *http.Response
	if c.breaker != nil {
		resp, err = c.breaker.Execute(open)
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = fmt.Errorf("%w: circuit open: %v", domain.ErrProviderError, err)
		}
	} else {
		resp, err = open()
	}
	if err != nil {
		cancel()
		tracer.RecordError(span, err)
		return nil, err
	}

	h := newStreamHandle(cancel)
	go h.pump(streamCtx, resp.Body, c.logger)

	tracer.SetOK(span)
	c.logger.Debug("stream opened", "model", req.Model, "turns", len(req.Messages))
	return h, nil
}

// newBreaker creates the circuit breaker guarding stream opens. It only makes
// opens fail fast after repeated failures; it never retries.
func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "chat-stream",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// newHTTPClient builds an *http.Client for long-lived event streams: pooled
// transport, dial and response-header timeouts, no overall request timeout.
func newHTTPClient(cfg config.EndpointConfig) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnTimeout,
			ResponseHeaderTimeout: cfg.RespTimeout,
			MaxIdleConns:          cfg.Pool.MaxIdleConns,
			MaxIdleConnsPerHost:   cfg.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:       cfg.Pool.MaxConnsPerHost,
			IdleConnTimeout:       cfg.Pool.IdleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// mapHTTPError maps an HTTP status code + response body to a domain error so
// callers and the circuit breaker can classify open failures.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}
