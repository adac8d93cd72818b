package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/paneflow/resilience"
	"github.com/jonwraymond/paneflow/stream"
)

// EchoConfig configures an Echo adapter.
type EchoConfig struct {
	// Name is the provider name.
	// Default: "echo"
	Name string

	// Models lists the served model ids.
	// Default: ["echo-1"]
	Models []string

	// TokenDelay is the pause before each token.
	TokenDelay time.Duration

	// OpenErr, when set, is returned by every Stream call.
	OpenErr error

	// FailAfter, when positive, ends each stream with FailErr after that
	// many tokens.
	FailAfter int
	FailErr   error
}

var errScripted = errors.New("adapter: scripted echo failure")

// Echo streams the last user message back word by word. It serves local
// development and tests.
type Echo struct {
	config EchoConfig
}

// NewEcho creates an Echo adapter.
func NewEcho(config EchoConfig) *Echo {
	if config.Name == "" {
		config.Name = "echo"
	}
	if len(config.Models) == 0 {
		config.Models = []string{"echo-1"}
	}
	if config.FailAfter > 0 && config.FailErr == nil {
		config.FailErr = resilience.WithStatus(errScripted, 503)
	}
	return &Echo{config: config}
}

// Name returns the provider name.
func (e *Echo) Name() string { return e.config.Name }

// Models returns the configured models.
func (e *Echo) Models(context.Context) ([]ModelInfo, error) {
	out := make([]ModelInfo, 0, len(e.config.Models))
	for _, id := range e.config.Models {
		out = append(out, ModelInfo{
			ID:                id,
			Name:              id,
			Provider:          e.config.Name,
			MaxTokens:         4096,
			SupportsStreaming: true,
		})
	}
	return out, nil
}

// Stream echoes the last user message as token events, then a meter and a
// final event.
func (e *Echo) Stream(ctx context.Context, messages []Message, model, paneID string) (stream.Stream, error) {
	if e.config.OpenErr != nil {
		return nil, e.config.OpenErr
	}
	if _, ok := findModel(e.served(), model); !ok {
		return nil, resilience.WithStatus(ErrInvalidModelID, 404)
	}

	prompt, ok := lastUserMessage(messages)
	if !ok {
		return nil, resilience.WithStatus(ErrNoUserMessage, 400)
	}
	words := strings.Fields(prompt)

	return stream.NewPipe(ctx, func(ctx context.Context, emit stream.EmitFunc) error {
		start := time.Now()
		for i, w := range words {
			if e.config.FailAfter > 0 && i == e.config.FailAfter {
				return e.config.FailErr
			}
			if err := pause(ctx, e.config.TokenDelay); err != nil {
				return err
			}
			text := w
			if i < len(words)-1 {
				text += " "
			}
			if err := emit(stream.NewToken(paneID, text, i)); err != nil {
				return err
			}
		}
		if err := emit(stream.NewMeter(paneID, len(words), 0, time.Since(start))); err != nil {
			return err
		}
		return emit(stream.NewFinal(paneID, strings.Join(words, " "), "stop", uuid.NewString()))
	}), nil
}

func (e *Echo) served() []ModelInfo {
	models, _ := e.Models(context.Background())
	return models
}

func lastUserMessage(messages []Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Adapter = (*Echo)(nil)
