package stream

import "time"

// Type is the discriminator of an Event.
type Type string

const (
	// TypeToken carries an incremental piece of generated text.
	TypeToken Type = "token"
	// TypeFinal carries the complete response and ends a pane stream.
	TypeFinal Type = "final"
	// TypeMeter carries usage accounting for a response.
	TypeMeter Type = "meter"
	// TypeError carries a user-visible failure.
	TypeError Type = "error"
	// TypeStatus carries a lifecycle notification for the pane.
	TypeStatus Type = "status"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeToken, TypeFinal, TypeMeter, TypeError, TypeStatus:
		return true
	default:
		return false
	}
}

// Payload is implemented by the five payload variants only.
type Payload interface {
	// Type returns the discriminator for this payload.
	Type() Type

	payload()
}

// TokenData is the payload of a token event.
type TokenData struct {
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// FinalData is the payload of a final event.
type FinalData struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	MessageID    string `json:"message_id,omitempty"`
}

// MeterData is the payload of a meter event.
type MeterData struct {
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	LatencyMS  int64   `json:"latency_ms"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (TokenData) Type() Type  { return TypeToken }
func (FinalData) Type() Type  { return TypeFinal }
func (MeterData) Type() Type  { return TypeMeter }
func (ErrorData) Type() Type  { return TypeError }
func (StatusData) Type() Type { return TypeStatus }

func (TokenData) payload()  {}
func (FinalData) payload()  {}
func (MeterData) payload()  {}
func (ErrorData) payload()  {}
func (StatusData) payload() {}

// Event is a single normalized stream event for one pane.
type Event struct {
	PaneID    string
	Timestamp time.Time
	Data      Payload
}

// Type returns the discriminator of the event payload, or "" if unset.
func (e Event) Type() Type {
	if e.Data == nil {
		return ""
	}
	return e.Data.Type()
}

// Validate checks the event invariants: a non-empty pane id and exactly one
// payload variant.
func (e Event) Validate() error {
	if e.PaneID == "" {
		return ErrMissingPaneID
	}
	if e.Data == nil {
		return ErrMissingPayload
	}
	return nil
}

// Terminal reports whether the event ends a pane stream.
func (e Event) Terminal() bool {
	t := e.Type()
	return t == TypeFinal || t == TypeError
}

func newEvent(paneID string, data Payload) Event {
	return Event{
		PaneID:    paneID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewToken creates a token event.
func NewToken(paneID, text string, position int) Event {
	return newEvent(paneID, TokenData{Text: text, Position: position})
}

// NewFinal creates a final event.
func NewFinal(paneID, content, finishReason, messageID string) Event {
	return newEvent(paneID, FinalData{
		Content:      content,
		FinishReason: finishReason,
		MessageID:    messageID,
	})
}

// NewMeter creates a meter event.
func NewMeter(paneID string, tokensUsed int, cost float64, latency time.Duration) Event {
	return newEvent(paneID, MeterData{
		TokensUsed: tokensUsed,
		Cost:       cost,
		LatencyMS:  latency.Milliseconds(),
	})
}

// NewError creates an error event.
func NewError(paneID, message, code string, retryable bool) Event {
	return newEvent(paneID, ErrorData{
		Message:   message,
		Code:      code,
		Retryable: retryable,
	})
}

// NewStatus creates a status event. message may be empty.
func NewStatus(paneID, status, message string) Event {
	return newEvent(paneID, StatusData{Status: status, Message: message})
}

// Common status values emitted around a pane stream.
const (
	StatusStreaming = "streaming"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
