package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/regsentinel/regsentinel/core/audit"
	"github.com/regsentinel/regsentinel/core/infra/bus"
	"github.com/regsentinel/regsentinel/core/infra/logging"
	"github.com/regsentinel/regsentinel/core/infra/metrics"
	"github.com/regsentinel/regsentinel/core/policy"
)

// Gate is the only path from a proposal to a policy change. Every mutation
// goes through a named reviewer's decision; the pipeline can create and
// queue proposals but never decide them.
type Gate struct {
	store   policy.Store
	ledger  audit.Ledger
	events  bus.Bus
	metrics metrics.Metrics
}

// NewGate wires the gate. events and m may be nil.
func NewGate(store policy.Store, ledger audit.Ledger, events bus.Bus, m metrics.Metrics) *Gate {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Gate{store: store, ledger: ledger, events: events, metrics: m}
}

// RequestReview records that a proposal is waiting on a human and announces
// it on the bus.
func (g *Gate) RequestReview(ctx context.Context, prop *policy.Proposal) error {
	if prop == nil {
		return fmt.Errorf("proposal required")
	}
	if _, err := g.ledger.Append(ctx, audit.Event{
		Action:     audit.ActionReviewRequested,
		Actor:      "pipeline",
		PolicyID:   prop.PolicyID,
		ProposalID: prop.ID,
		ClauseID:   prop.ClauseID,
	}); err != nil {
		return fmt.Errorf("audit review request: %w", err)
	}
	g.metrics.IncProposals(string(policy.StatusPending))
	g.publish(bus.SubjectProposalPending, prop.ID, prop)
	return nil
}

// Decide applies a reviewer verdict through the store. A conflicting verdict
// on an already-decided proposal is refused and the refusal itself is
// recorded in the ledger.
func (g *Gate) Decide(ctx context.Context, dec policy.Decision) (*policy.Proposal, error) {
	prop, err := g.store.Decide(ctx, dec)
	if err != nil {
		if errors.Is(err, policy.ErrAlreadyDecided) {
			g.recordRefusal(ctx, dec)
		}
		return nil, err
	}

	g.metrics.IncDecisions(string(dec.Status))
	logging.Info("gate", "proposal decided",
		"proposal_id", prop.ID, "policy_id", prop.PolicyID, "status", string(prop.Status), "reviewer", dec.Reviewer)
	g.publish(bus.SubjectProposalDecided, prop.ID, prop)
	return prop, nil
}

func (g *Gate) recordRefusal(ctx context.Context, dec policy.Decision) {
	detail, _ := json.Marshal(map[string]string{
		"attempted_status": string(dec.Status),
		"note":             dec.Note,
	})
	if _, err := g.ledger.Append(ctx, audit.Event{
		Action:     audit.ActionReviewRefused,
		Actor:      dec.Reviewer,
		ProposalID: dec.ProposalID,
		Details:    detail,
	}); err != nil {
		logging.Error("gate", "failed to record refused decision", "proposal_id", dec.ProposalID, "error", err)
	}
}

func (g *Gate) publish(subject, traceID string, payload any) {
	if g.events == nil {
		return
	}
	ev, err := bus.NewEvent(subject, traceID, payload)
	if err == nil {
		err = g.events.Publish(subject, ev)
	}
	if err != nil {
		logging.Error("gate", "publish failed", "subject", subject, "error", err)
	}
}
