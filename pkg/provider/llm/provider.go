// Package llm defines the Provider interface for chat-completion language
// models.
//
// SonicLens uses a language model only for the optional transcript
// correction pass, so the interface is a single blocking completion call.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is one turn of a conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a
// response. Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation; the last message drives the
	// response.
	Messages []Message

	// SystemPrompt is an optional instruction sent before Messages.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage contains token accounting for the request.
	Usage Usage
}

// Provider is the abstraction over a chat-completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response. It
	// returns promptly with ctx's error once ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
