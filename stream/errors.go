package stream

import "errors"

// Sentinel errors for event validation and streams.
var (
	// ErrMissingPaneID indicates an event without a pane identifier.
	ErrMissingPaneID = errors.New("stream: pane id is required")

	// ErrMissingPayload indicates an event without a payload variant.
	ErrMissingPayload = errors.New("stream: event payload is required")

	// ErrUnknownType indicates a wire event with an unrecognized type tag.
	ErrUnknownType = errors.New("stream: unknown event type")

	// ErrClosed is returned by Recv after the stream has been closed.
	ErrClosed = errors.New("stream: closed")
)
