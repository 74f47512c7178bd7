package domain

import "context"

// StreamEventKind tags a StreamEvent variant.
type StreamEventKind int

const (
	// StreamData carries one decoded assistant text fragment.
	StreamData StreamEventKind = iota
	// StreamClose is the normal end-of-stream terminal event.
	StreamClose
	// StreamError is the failure terminal event.
	StreamError
)

// StreamEvent is one event delivered by an open stream handle. A handle
// delivers zero or more StreamData events followed by exactly one terminal
// event, either StreamClose or StreamError.
type StreamEvent struct {
	Kind    StreamEventKind
	Content string // set for StreamData
	Err     error  // set for StreamError
}

// StreamHandle is the live resource representing one open server-push
// connection.
type StreamHandle interface {
	// Events returns the handle's event channel. Events are delivered in
	// receipt order; the channel is closed after the terminal event.
	Events() <-chan StreamEvent
	// Close cancels the stream and releases the underlying connection.
	// It is idempotent and safe to call after natural termination.
	Close()
	// Closed reports whether Close has been called. Consumers use it to
	// discard events that were already buffered when Close returned.
	Closed() bool
}

// StreamOpener opens one chat completion event stream per request.
type StreamOpener interface {
	Open(ctx context.Context, req StreamRequest) (StreamHandle, error)
}
