// Package events carries the compensation signal: when a payout fails after
// funds were committed, downstream systems must learn about it even though
// the SDK itself cannot reverse the funding leg.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventPayoutFailed is the single event name this package emits.
const EventPayoutFailed = "payout_failed_requires_compensation"

// CompensationEvent describes a payout that failed after its funding leg
// was confirmed or burned. Consumers use SagaID to correlate with the
// original request and Funding to locate the committed leg.
type CompensationEvent struct {
	Event     string         `json:"event"`
	SagaID    string         `json:"sagaId"`
	Funding   map[string]any `json:"funding,omitempty"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// ToJSON serializes the event to JSON bytes.
func (e *CompensationEvent) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal compensation event: %w", err)
	}
	return data, nil
}

// FromJSON deserializes JSON bytes into a CompensationEvent and validates it.
func FromJSON(data []byte) (*CompensationEvent, error) {
	event := &CompensationEvent{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compensation event: %w", err)
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	return event, nil
}

// Validate checks if the CompensationEvent has all required fields.
func (e *CompensationEvent) Validate() error {
	if e.Event != EventPayoutFailed {
		return fmt.Errorf("event must be %q (got %q)", EventPayoutFailed, e.Event)
	}
	if e.SagaID == "" {
		return errors.New("sagaId is required")
	}
	if e.Reason == "" {
		return errors.New("reason is required")
	}
	if e.Timestamp == "" {
		return errors.New("timestamp is required")
	}
	return nil
}
