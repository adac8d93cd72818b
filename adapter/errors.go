package adapter

import "errors"

var (
	// ErrUnknownProvider is returned for a provider name with no adapter.
	ErrUnknownProvider = errors.New("adapter: unknown provider")

	// ErrDuplicateProvider is returned when registering a name twice.
	ErrDuplicateProvider = errors.New("adapter: provider already registered")

	// ErrInvalidModelID is returned for a model id that is not provider:model.
	ErrInvalidModelID = errors.New("adapter: model id must be provider:model")

	// ErrPaneMismatch is returned when an adapter emits an event for a pane
	// other than the one it was asked to stream.
	ErrPaneMismatch = errors.New("adapter: event pane id does not match request")

	// ErrNoUserMessage is returned by Echo when the conversation has no user turn.
	ErrNoUserMessage = errors.New("adapter: no user message")
)
