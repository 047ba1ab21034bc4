package policy

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a policy, clause, or proposal does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyDecided is returned when a reviewer tries to change a decided
	// proposal to a different outcome.
	ErrAlreadyDecided = errors.New("proposal already decided")
	// ErrVersionConflict is returned when a proposal's base version no longer
	// matches the policy it targets.
	ErrVersionConflict = errors.New("policy version conflict")
	// ErrTargetMissing is returned when a patch or proposal targets a policy
	// that does not exist.
	ErrTargetMissing = errors.New("target policy missing")
)

// Decision carries a reviewer verdict into the store.
type Decision struct {
	ProposalID string `json:"proposal_id"`
	Status     Status `json:"status"`
	Reviewer   string `json:"reviewer"`
	Note       string `json:"note,omitempty"`
	// ModifiedText is the replacement wording a MODIFIED verdict requests.
	// It is recorded on the proposal and in the audit trail only; no verdict
	// other than APPROVED changes a policy.
	ModifiedText string `json:"modified_text,omitempty"`
}

// Store persists policies, clauses, proposals, and version history. Decide is
// the only mutation that touches policy text, and it writes the decision, the
// new version, and the audit record atomically.
type Store interface {
	PutPolicy(ctx context.Context, rec *Record) error
	GetPolicy(ctx context.Context, id string) (*Record, error)
	ListPolicies(ctx context.Context) ([]*Record, error)
	GetVersion(ctx context.Context, policyID string, version int64) (*Version, error)
	ListVersions(ctx context.Context, policyID string) ([]*Version, error)

	PutClause(ctx context.Context, clause *Clause) error
	GetClause(ctx context.Context, id string) (*Clause, error)

	CreateProposal(ctx context.Context, prop *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	ListProposals(ctx context.Context, status Status, limit int) ([]*Proposal, error)
	Decide(ctx context.Context, dec Decision) (*Proposal, error)

	Close() error
}
