package usecase

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// defaultTitle is the label a session carries until its first user message.
const defaultTitle = "New conversation"

// Message is one turn in a session. Assistant messages are created in
// streaming state and mutated in place as fragments arrive; content never
// shrinks while streaming.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversational thread. Fields are guarded by the owning
// store's lock; the store is the sole owner of Session and Message values.
type Session struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	ModelID   string     `json:"model_id"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
}

func newSession(modelID string) *Session {
	now := time.Now()
	return &Session{
		ID:        generateULID(now),
		Title:     defaultTitle,
		ModelID:   modelID,
		Messages:  make([]*Message, 0),
		CreatedAt: now,
	}
}

func newMessage(role, content string, streaming bool) *Message {
	now := time.Now()
	return &Message{
		ID:        generateULID(now),
		Role:      role,
		Content:   content,
		Streaming: streaming,
		Timestamp: now,
	}
}

// entropy is shared so ids minted within the same millisecond stay unique
// and monotonic. ulid.Monotonic readers are not goroutine-safe.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func generateULID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// messageRef is the durable address of one message across the async stream
// boundary. It is re-resolved through the store on every event, so writes to
// a deleted session or message degrade to no-ops.
type messageRef struct {
	sessionID string
	messageID string
}

// MessageView is an immutable snapshot of one message.
type MessageView struct {
	ID        string
	Role      string
	Content   string
	Streaming bool
	Timestamp time.Time
}

// SessionView is an immutable snapshot of one session.
type SessionView struct {
	ID        string
	Title     string
	ModelID   string
	CreatedAt time.Time
	Messages  []MessageView
}

func (s *Session) view() SessionView {
	msgs := make([]MessageView, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Streaming: m.Streaming,
			Timestamp: m.Timestamp,
		}
	}
	return SessionView{
		ID:        s.ID,
		Title:     s.Title,
		ModelID:   s.ModelID,
		CreatedAt: s.CreatedAt,
		Messages:  msgs,
	}
}
