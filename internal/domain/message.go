package domain

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnParam is one role/content pair serialized to the completion endpoint
// as conversational context.
type TurnParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamRequest describes one chat completion stream to open.
type StreamRequest struct {
	Model    string      `json:"model"`
	Messages []TurnParam `json:"messages"`
}
