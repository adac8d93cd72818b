package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonwraymond/paneflow/stream"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a pane conversation.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ModelInfo describes a model a provider serves.
type ModelInfo struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Provider          string  `json:"provider"`
	MaxTokens         int     `json:"max_tokens"`
	CostPer1KTokens   float64 `json:"cost_per_1k_tokens"`
	SupportsStreaming bool    `json:"supports_streaming"`
	SupportsVision    bool    `json:"supports_vision"`
}

// Adapter streams responses from one provider.
//
// Contract:
//   - Name is stable and unique within a Registry.
//   - Stream returns an error only when the stream cannot be opened. Every
//     event it yields carries paneID, and the stream ends with io.EOF after
//     a final event. Failures after opening end the stream with that error.
//   - Errors should carry an HTTP status via resilience.WithStatus when the
//     provider reported one, so the executor can classify them.
//   - Cancelling ctx or closing the stream releases the transport.
//   - Concurrency: implementations must be safe for concurrent use.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, messages []Message, model, paneID string) (stream.Stream, error)
	Models(ctx context.Context) ([]ModelInfo, error)
}

// FormatModelID returns the qualified model id "provider:model".
func FormatModelID(provider, model string) string {
	return provider + ":" + model
}

// ParseModelID splits a qualified model id into provider and model.
func ParseModelID(id string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(id, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidModelID, id)
	}
	return provider, model, nil
}
