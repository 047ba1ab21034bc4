package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects carried on the governance bus.
const (
	SubjectClauseSubmit    = "clause.submit"
	SubjectProposalPending = "proposal.pending"
	SubjectProposalDecided = "proposal.decided"
)

// Event is the JSON envelope for every bus message. Payload holds the
// subject-specific body.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	TraceID string          `json:"trace_id,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent wraps a payload in an envelope, assigning an id and timestamp.
func NewEvent(eventType, traceID string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		TraceID: traceID,
		At:      time.Now().UTC(),
		Payload: body,
	}, nil
}

// Bus publishes and subscribes governance events.
type Bus interface {
	Publish(subject string, ev Event) error
	Subscribe(subject, queue string, handler func(Event) error) error
	Close()
}
