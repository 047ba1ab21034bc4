package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Action identifies what a ledger entry records.
type Action string

const (
	ActionClauseReceived   Action = "CLAUSE_RECEIVED"
	ActionImpactAnalyzed   Action = "IMPACT_ANALYZED"
	ActionNoImpact         Action = "NO_IMPACT"
	ActionProposalCreated  Action = "PROPOSAL_CREATED"
	ActionReviewRequested  Action = "HUMAN_REVIEW_REQUESTED"
	ActionProposalApproved Action = "PROPOSAL_APPROVED"
	ActionProposalRejected Action = "PROPOSAL_REJECTED"
	ActionProposalModified Action = "PROPOSAL_MODIFIED"
	ActionReviewRefused    Action = "REVIEW_REFUSED"
)

// Event is one append-only ledger entry. Seq is assigned by the ledger and is
// strictly increasing; entries are never rewritten.
type Event struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	Actor      string          `json:"actor"`
	PolicyID   string          `json:"policy_id,omitempty"`
	ProposalID string          `json:"proposal_id,omitempty"`
	ClauseID   string          `json:"clause_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	At         time.Time       `json:"at"`
}

// ChangeDetail is the Details payload for entries that record a text change.
type ChangeDetail struct {
	Before string   `json:"before"`
	After  string   `json:"after"`
	Diff   string   `json:"diff,omitempty"`
	Spans  [][2]int `json:"spans,omitempty"`
}

// Filter narrows a ledger query. Zero fields match everything.
type Filter struct {
	PolicyID   string
	ProposalID string
	Actor      string
	Action     Action
	SinceSeq   int64
	Limit      int
}

// Ledger is the append-only audit trail.
type Ledger interface {
	Append(ctx context.Context, ev Event) (int64, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
	Close() error
}
