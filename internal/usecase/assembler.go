package usecase

import (
	"context"

	"evalchat/internal/domain"
)

// assembler routes one handle's events into mutations of one target message.
// The target is addressed by durable ids and re-resolved through the store
// on every event, so an orphaned stream mutates nothing.
//
// Exactly one terminal transition fires per stream. Events observed after
// the handle was closed, or after a terminal event, are discarded.
type assembler struct {
	store  *Store
	ref    messageRef
	handle domain.StreamHandle
	done   func(err error) // terminal callback, invoked exactly once
}

func (a *assembler) run(ctx context.Context) {
	terminal := false

	for ev := range a.handle.Events() {
		// Events buffered behind an explicit Close are stale; drop them.
		if a.handle.Closed() {
			break
		}

		switch ev.Kind {
		case domain.StreamData:
			a.store.appendFragment(ctx, a.ref, ev.Content)
		case domain.StreamClose:
			terminal = true
			a.store.finalizeSuccess(ctx, a.ref)
			a.done(nil)
		case domain.StreamError:
			terminal = true
			a.store.finalizeError(ctx, a.ref, ev.Err)
			a.done(ev.Err)
		}

		if terminal {
			break
		}
	}

	// Release the connection. Idempotent after natural termination.
	a.handle.Close()

	// Cancelled or the transport went away without a terminal event: treat
	// as a normal close, preserving whatever content arrived.
	if !terminal {
		a.store.finalizeSuccess(ctx, a.ref)
		a.done(nil)
	}
}
