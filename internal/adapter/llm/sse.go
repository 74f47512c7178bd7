package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"evalchat/internal/domain"
)

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// fragmentPayload is the JSON body of one data event.
type fragmentPayload struct {
	Content string `json:"content"`
}

// streamHandle is one open server-push connection. The pump goroutine emits
// zero or more data events followed by exactly one terminal event, then
// closes the channel.
type streamHandle struct {
	events    chan domain.StreamEvent
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
}

func newStreamHandle(cancel context.CancelFunc) *streamHandle {
	return &streamHandle{
		events: make(chan domain.StreamEvent, 16),
		cancel: cancel,
	}
}

// Events implements domain.StreamHandle.
func (h *streamHandle) Events() <-chan domain.StreamEvent { return h.events }

// Close implements domain.StreamHandle. The closed flag is set before the
// context is cancelled so that consumers checking Closed() after Close
// returns never observe a live handle.
func (h *streamHandle) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.cancel()
	})
}

// Closed implements domain.StreamHandle.
func (h *streamHandle) Closed() bool { return h.closed.Load() }

// pump reads SSE-formatted lines from body and converts each data payload
// into a stream event. Malformed payloads are skipped. A stream that ends
// without the [DONE] sentinel synthesizes the error terminal so consumers
// are never left waiting.
func (h *streamHandle) pump(ctx context.Context, body io.ReadCloser, logger *slog.Logger) {
	defer close(h.events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()

		// Skip empty lines and comments.
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		// We only care about "data: ..." lines.
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimPrefix(line, dataPrefix)

		if bytes.Equal(data, doneSentinel) {
			h.emit(ctx, domain.StreamEvent{Kind: domain.StreamClose})
			return
		}

		var frag fragmentPayload
		if err := json.Unmarshal(data, &frag); err != nil {
			// Malformed fragment: skip, do not terminate the stream.
			logger.Debug("skipping malformed fragment", "error", err)
			continue
		}

		h.emit(ctx, domain.StreamEvent{Kind: domain.StreamData, Content: frag.Content})
	}

	// The scanner stopped without a terminal signal: either an I/O error or
	// a silent EOF. Both are an interrupted stream.
	err := scanner.Err()
	if err == nil {
		err = domain.ErrStreamInterrupted
	} else {
		err = domain.WrapOp("stream read", err)
	}
	h.emit(ctx, domain.StreamEvent{Kind: domain.StreamError, Err: err})
}

func (h *streamHandle) emit(ctx context.Context, ev domain.StreamEvent) {
	select {
	case h.events <- ev:
	case <-ctx.Done():
	}
}
