package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the public JSON contract consumed by subscribers.
type wireEvent struct {
	Type      Type            `json:"type"`
	PaneID    string          `json:"pane_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event in its wire shape. Invalid events fail.
func (e Event) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("stream: encode %s payload: %w", e.Type(), err)
	}
	return json.Marshal(wireEvent{
		Type:      e.Type(),
		PaneID:    e.PaneID,
		Timestamp: e.Timestamp,
		Data:      data,
	})
}

// UnmarshalJSON decodes an event from its wire shape, selecting the payload
// variant from the type tag.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	var data Payload
	switch w.Type {
	case TypeToken:
		var d TokenData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("stream: decode token payload: %w", err)
		}
		data = d
	case TypeFinal:
		var d FinalData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("stream: decode final payload: %w", err)
		}
		data = d
	case TypeMeter:
		var d MeterData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("stream: decode meter payload: %w", err)
		}
		data = d
	case TypeError:
		var d ErrorData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("stream: decode error payload: %w", err)
		}
		data = d
	case TypeStatus:
		var d StatusData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("stream: decode status payload: %w", err)
		}
		data = d
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	decoded := Event{PaneID: w.PaneID, Timestamp: w.Timestamp, Data: data}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*e = decoded
	return nil
}
