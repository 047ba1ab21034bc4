package policy

import (
	"encoding/json"
	"time"
)

// Record is the current state of an internal policy under governance.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Domain    string    `json:"domain"`
	Text      string    `json:"text"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clause is an incoming regulation clause to be assessed against policies.
type Clause struct {
	ID         string    `json:"id"`
	Regulation string    `json:"regulation"`
	Article    string    `json:"article,omitempty"`
	Text       string    `json:"text"`
	Domain     string    `json:"domain,omitempty"`
	RiskTags   []string  `json:"risk_tags,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Severity buckets an impact score. Assessments below the low threshold are
// not emitted at all.
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// Assessment records why a clause was judged to impact a policy.
type Assessment struct {
	ID            string    `json:"id"`
	ClauseID      string    `json:"clause_id"`
	PolicyID      string    `json:"policy_id"`
	Similarity    float64   `json:"similarity"`
	Score         float64   `json:"score"`
	Severity      Severity  `json:"severity"`
	DomainMatched bool      `json:"domain_matched"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// Op is a patch operation.
type Op string

const (
	OpReplace Op = "replace"
	OpMerge   Op = "merge"
)

// Patch is a single agent-proposed edit to one policy field.
type Patch struct {
	ID         string          `json:"patch_id"`
	Agent      string          `json:"agent"`
	Target     string          `json:"target"`
	Field      string          `json:"field,omitempty"`
	Op         Op              `json:"op"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Round      int             `json:"round"`
	Rationale  string          `json:"rationale,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Change is a resolved edit for one (target, field) slot after conflicting
// patches have been merged.
type Change struct {
	Target     string          `json:"target"`
	Field      string          `json:"field,omitempty"`
	Op         Op              `json:"op"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Agent      string          `json:"agent"`
}

// Span marks a character range in the proposed text that differs from the
// current policy text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Status is the proposal lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusModified Status = "MODIFIED"
)

// Decided reports whether the status is terminal.
func (s Status) Decided() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusModified:
		return true
	}
	return false
}

// Proposal is a resolved, reviewable change set for a single policy. No
// proposal mutates a policy until a reviewer decides it.
type Proposal struct {
	ID           string     `json:"id"`
	ClauseID     string     `json:"clause_id"`
	PolicyID     string     `json:"policy_id"`
	BaseVersion  int64      `json:"base_version"`
	Assessment   Assessment `json:"assessment"`
	Patches      []Patch    `json:"patches"`
	Changes      []Change   `json:"changes"`
	ProposedText string     `json:"proposed_text"`
	Diff         string     `json:"diff"`
	Spans        []Span     `json:"spans,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	ReviewedBy   string     `json:"reviewed_by,omitempty"`
	ReviewNote   string     `json:"review_note,omitempty"`
	// RequestedText is the reviewer's replacement wording recorded with a
	// MODIFIED verdict. It is review metadata; the policy itself is untouched.
	RequestedText string `json:"requested_text,omitempty"`
}

// Version is an immutable snapshot written when a proposal is applied.
type Version struct {
	PolicyID   string    `json:"policy_id"`
	Version    int64     `json:"version"`
	Text       string    `json:"text"`
	ProposalID string    `json:"proposal_id"`
	Hash       string    `json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
}
