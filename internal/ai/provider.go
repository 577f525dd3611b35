package ai

import "context"

// Roles used in conversation history. The vocabulary follows the Gemini
// API; other providers translate as needed.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

type Message struct {
	Role    string
	Content string
}

// Provider is one upstream generative model. Chat takes the full ordered
// conversation, newest turn last, and returns the reply text. A single
// call is made per turn; retries are the provider's own business.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
