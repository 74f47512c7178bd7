package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"evalchat/internal/domain"
	"evalchat/internal/infra/config"
	"evalchat/internal/infra/tracer"
)

// Controller orchestrates sends: it runs the per-send state machine
// Idle -> Sending -> Streaming -> {Completed | Failed}, opening one stream
// per send and tearing it down on completion, error, or cancellation.
// Failures are terminal for that send; there is no retry.
type Controller struct {
	store   *Store
	opener  domain.StreamOpener
	bus     domain.EventBus
	logger  *slog.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	live map[string]domain.StreamHandle // session id -> in-flight handle

	unsubscribe func()
}

// NewController wires the store to a stream opener. It subscribes to
// session-deleted events so that deleting a session cancels any stream
// still targeting it.
func NewController(store *Store, opener domain.StreamOpener, bus domain.EventBus, cfg config.ChatConfig, logger *slog.Logger) *Controller {
	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	c := &Controller{
		store:   store,
		opener:  opener,
		bus:     bus,
		logger:  logger,
		limiter: limiter,
		live:    make(map[string]domain.StreamHandle),
	}
	if bus != nil {
		c.unsubscribe = bus.Subscribe(domain.EventSessionDeleted, func(_ context.Context, ev domain.Event) {
			c.Cancel(ev.SessionID)
		})
	}
	return c
}

// Send appends the user message to the active session and starts streaming
// the assistant reply into a placeholder message. Invariant violations (no
// active session, a stream already in flight for the session) are no-ops:
// the UI affordances triggering Send are disabled in those states, so they
// are logged rather than surfaced.
//
// The return value reports whether a send began. When true, exactly one
// terminal stream event (completed or error) will follow on the bus; when
// false, the send was rejected before touching the session and no stream
// events are published.
//
// ctx scopes the send setup only; the stream itself outlives it and is
// stopped by its terminal event, Cancel, or session deletion.
func (c *Controller) Send(ctx context.Context, content string) bool {
	ctx, span := tracer.StartSpan(ctx, "chat.send")
	defer span.End()

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("send rejected by rate limiter")
		return false
	}

	ref, req, err := c.store.beginSend(content)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) || errors.Is(err, domain.ErrStreamInFlight) {
			c.logger.Warn("send ignored", "reason", err)
			return false
		}
		c.logger.Error("send failed before start", "error", err)
		return false
	}

	// Clears the loading flag exactly once per send, on whichever terminal
	// transition fires.
	var once sync.Once
	finish := func() {
		once.Do(c.store.endSend)
	}

	handle, err := c.opener.Open(ctx, req)
	if err != nil {
		// Sending -> Failed without ever streaming. The error event is the
		// terminal the caller was promised.
		c.store.finalizeError(ctx, ref, err)
		finish()
		tracer.RecordError(span, err)
		return true
	}

	c.mu.Lock()
	c.live[ref.sessionID] = handle
	c.mu.Unlock()

	// A deletion racing the open fires its cancel hook before the handle is
	// registered; re-check so the orphaned stream is not left draining.
	if !c.store.exists(ref.sessionID) {
		c.Cancel(ref.sessionID)
	}

	c.store.publish(ctx, domain.EventStreamStarted, ref.sessionID, domain.StreamDeltaPayload{
		MessageID: ref.messageID,
	})

	asm := &assembler{
		store:  c.store,
		ref:    ref,
		handle: handle,
		done: func(error) {
			c.release(ref.sessionID, handle)
			finish()
		},
	}
	go asm.run(context.WithoutCancel(ctx))

	tracer.SetOK(span)
	return true
}

// Cancel closes the in-flight stream for the given session, if any. The
// stream's assembler observes the close and finalizes the target message
// with its partial content.
func (c *Controller) Cancel(sessionID string) {
	c.mu.Lock()
	handle := c.live[sessionID]
	delete(c.live, sessionID)
	c.mu.Unlock()

	if handle != nil {
		c.logger.Debug("stream cancelled", "session", sessionID)
		handle.Close()
	}
}

// CancelActive cancels the active session's in-flight stream, if any.
func (c *Controller) CancelActive() {
	c.Cancel(c.store.ActiveSessionID())
}

// InFlight reports whether the given session has a live stream.
func (c *Controller) InFlight(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[sessionID] != nil
}

// Close cancels all in-flight streams and detaches from the event bus.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	c.mu.Lock()
	handles := make([]domain.StreamHandle, 0, len(c.live))
	for _, h := range c.live {
		handles = append(handles, h)
	}
	c.live = make(map[string]domain.StreamHandle)
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// release drops the live-handle registration left by Send, unless a newer
// stream already replaced it.
func (c *Controller) release(sessionID string, handle domain.StreamHandle) {
	c.mu.Lock()
	if c.live[sessionID] == handle {
		delete(c.live, sessionID)
	}
	c.mu.Unlock()
}
