package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"evalchat/internal/domain"
	"evalchat/internal/infra/config"
)

// errorNotice is appended to an assistant message when its stream fails.
// Partial content already received is preserved.
const errorNotice = "Sorry, something went wrong."

// Store owns all chat sessions, the active-session pointer, and per-message
// lifecycle state. It is the single source of truth UI surfaces observe,
// either through the snapshot accessors or the event bus.
type Store struct {
	mu       sync.RWMutex
	sessions []*Session // most recently created first
	activeID string
	loading  bool
	lastErr  error

	titleLen int
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewStore creates an empty session store.
func NewStore(cfg config.ChatConfig, bus domain.EventBus, logger *slog.Logger) *Store {
	titleLen := cfg.TitleLength
	if titleLen <= 0 {
		titleLen = 20
	}
	return &Store{
		titleLen: titleLen,
		bus:      bus,
		logger:   logger,
	}
}

// CreateSession constructs a new session for the given model, prepends it to
// the session list, and makes it active.
func (st *Store) CreateSession(ctx context.Context, modelID string) SessionView {
	s := newSession(modelID)

	st.mu.Lock()
	st.sessions = append([]*Session{s}, st.sessions...)
	st.activeID = s.ID
	view := s.view()
	st.mu.Unlock()

	st.logger.Debug("session created", "session", s.ID, "model", modelID)
	st.publish(ctx, domain.EventSessionCreated, s.ID, nil)
	return view
}

// SelectSession sets the active-session pointer. An empty id deselects.
// Selection never starts or stops a stream: an in-flight stream keeps
// targeting its original message, and switching back shows the advanced
// content because messages are mutated in place.
func (st *Store) SelectSession(ctx context.Context, id string) {
	st.mu.Lock()
	st.activeID = id
	st.mu.Unlock()

	st.publish(ctx, domain.EventSessionSelected, id, nil)
}

// DeleteSession removes a session. When the active session is deleted, the
// active pointer moves to the first remaining session (or empty) in the same
// critical section. Any stream still targeting the deleted session is
// cancelled by the controller, which observes the deleted event; late writes
// degrade to no-ops through ref resolution.
func (st *Store) DeleteSession(ctx context.Context, id string) {
	st.mu.Lock()
	found := false
	for i, s := range st.sessions {
		if s.ID == id {
			st.sessions = append(st.sessions[:i], st.sessions[i+1:]...)
			found = true
			break
		}
	}
	if found && st.activeID == id {
		if len(st.sessions) > 0 {
			st.activeID = st.sessions[0].ID
		} else {
			st.activeID = ""
		}
	}
	st.mu.Unlock()

	if !found {
		return
	}
	st.logger.Debug("session deleted", "session", id)
	st.publish(ctx, domain.EventSessionDeleted, id, nil)
}

// Sessions returns snapshots of all sessions, most recently created first.
func (st *Store) Sessions() []SessionView {
	st.mu.RLock()
	defer st.mu.RUnlock()
	views := make([]SessionView, len(st.sessions))
	for i, s := range st.sessions {
		views[i] = s.view()
	}
	return views
}

// ActiveSession returns a snapshot of the active session, if any.
func (st *Store) ActiveSession() (SessionView, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s := st.locked(st.activeID)
	if s == nil {
		return SessionView{}, false
	}
	return s.view(), true
}

// ActiveSessionID returns the active-session pointer, or "" when unset.
func (st *Store) ActiveSessionID() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.activeID
}

// Loading reports whether a send is in flight.
func (st *Store) Loading() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.loading
}

// LastError returns the last error recorded by a send, or nil.
func (st *Store) LastError() error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastErr
}

// exists reports whether the session is still present.
func (st *Store) exists(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.locked(id) != nil
}

// locked returns the session with the given id. Caller holds st.mu.
func (st *Store) locked(id string) *Session {
	if id == "" {
		return nil
	}
	for _, s := range st.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// resolveLocked returns the referenced message, or nil when the session or
// message no longer exists. Caller holds st.mu.
func (st *Store) resolveLocked(ref messageRef) *Message {
	s := st.locked(ref.sessionID)
	if s == nil {
		return nil
	}
	for _, m := range s.Messages {
		if m.ID == ref.messageID {
			return m
		}
	}
	return nil
}

// beginSend performs the synchronous half of a send against the active
// session: append the user message, set the title on first message, append
// the streaming placeholder, raise the loading flag, and build the outbound
// request. Messages still streaming are filtered out of the outbound
// context; the remainder is mapped oldest-to-newest.
func (st *Store) beginSend(content string) (messageRef, domain.StreamRequest, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.locked(st.activeID)
	if s == nil {
		return messageRef{}, domain.StreamRequest{}, domain.ErrNoActiveSession
	}
	for _, m := range s.Messages {
		if m.Streaming {
			return messageRef{}, domain.StreamRequest{}, domain.ErrStreamInFlight
		}
	}

	s.Messages = append(s.Messages, newMessage(domain.RoleUser, content, false))
	if len(s.Messages) == 1 {
		s.Title = truncateTitle(content, st.titleLen)
	}

	placeholder := newMessage(domain.RoleAssistant, "", true)
	s.Messages = append(s.Messages, placeholder)

	st.loading = true
	st.lastErr = nil

	turns := make([]domain.TurnParam, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Streaming {
			continue
		}
		turns = append(turns, domain.TurnParam{Role: m.Role, Content: m.Content})
	}

	ref := messageRef{sessionID: s.ID, messageID: placeholder.ID}
	return ref, domain.StreamRequest{Model: s.ModelID, Messages: turns}, nil
}

// appendFragment appends one fragment to the referenced message. Writes to a
// deleted target are no-ops.
func (st *Store) appendFragment(ctx context.Context, ref messageRef, text string) {
	st.mu.Lock()
	m := st.resolveLocked(ref)
	if m != nil {
		m.Content += text
	}
	st.mu.Unlock()

	if m == nil {
		return
	}
	st.publish(ctx, domain.EventStreamDelta, ref.sessionID, domain.StreamDeltaPayload{
		MessageID: ref.messageID,
		Content:   text,
	})
}

// finalizeSuccess clears the streaming flag on the referenced message. This
// is the sole transition out of streaming state on the success path.
func (st *Store) finalizeSuccess(ctx context.Context, ref messageRef) {
	st.mu.Lock()
	m := st.resolveLocked(ref)
	var content string
	if m != nil {
		m.Streaming = false
		content = m.Content
	}
	st.mu.Unlock()

	if m == nil {
		return
	}
	st.publish(ctx, domain.EventStreamCompleted, ref.sessionID, domain.StreamCompletedPayload{
		MessageID: ref.messageID,
		Content:   content,
	})
}

// finalizeError records the error and leaves the referenced message in a
// terminal, non-streaming state: partial content is preserved and the fixed
// error notice is appended.
func (st *Store) finalizeError(ctx context.Context, ref messageRef, err error) {
	st.mu.Lock()
	st.lastErr = err
	m := st.resolveLocked(ref)
	if m != nil {
		if m.Content != "" {
			m.Content += "\n"
		}
		m.Content += errorNotice
		m.Streaming = false
	}
	st.mu.Unlock()

	st.logger.Warn("stream failed",
		"session", ref.sessionID,
		"message", ref.messageID,
		"code", string(domain.ErrorCodeOf(err)),
		"error", err,
	)
	st.publish(ctx, domain.EventStreamError, ref.sessionID, domain.StreamErrorPayload{
		MessageID: ref.messageID,
		Error:     err.Error(),
	})
}

// endSend lowers the loading flag. The controller guarantees exactly one
// call per send.
func (st *Store) endSend() {
	st.mu.Lock()
	st.loading = false
	st.mu.Unlock()
}

func (st *Store) publish(ctx context.Context, typ domain.EventType, sessionID string, payload any) {
	if st.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			st.logger.Error("marshal event payload", "event", string(typ), "error", err)
			return
		}
		raw = data
	}
	st.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

// truncateTitle keeps the first n runes of s.
func truncateTitle(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
