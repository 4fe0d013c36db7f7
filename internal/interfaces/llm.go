package interfaces

import "context"

// Message represents one turn of an LLM conversation
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// LLMService generates completions for the phase steps. Rate limiting
// and retry budgets live behind this interface; the workflow engine does
// not retry above it.
type LLMService interface {
	// Chat generates a completion from the conversation history.
	Chat(ctx context.Context, messages []Message) (string, error)

	// Provider returns the provider name for logging.
	Provider() string
}
