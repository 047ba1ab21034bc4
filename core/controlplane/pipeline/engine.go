package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regsentinel/regsentinel/core/agents"
	"github.com/regsentinel/regsentinel/core/audit"
	"github.com/regsentinel/regsentinel/core/impact"
	"github.com/regsentinel/regsentinel/core/infra/bus"
	"github.com/regsentinel/regsentinel/core/infra/config"
	"github.com/regsentinel/regsentinel/core/infra/locks"
	"github.com/regsentinel/regsentinel/core/infra/logging"
	"github.com/regsentinel/regsentinel/core/infra/metrics"
	"github.com/regsentinel/regsentinel/core/policy"
	"github.com/regsentinel/regsentinel/core/resolve"
	"github.com/regsentinel/regsentinel/core/review"
)

const lockTTL = 2 * time.Minute

// Engine drives a clause from intake to a pending proposal. It scores impact,
// runs the generator panel, resolves conflicts, and queues the result behind
// the review gate. It never applies a change itself.
type Engine struct {
	id       string
	store    policy.Store
	ledger   audit.Ledger
	scorer   *impact.Scorer
	panel    *agents.Panel
	registry *agents.Registry
	applier  resolve.Applier
	gate     *review.Gate
	locker   locks.Locker
	events   bus.Bus
	metrics  metrics.Metrics
	gov      *config.Governance
}

// Options wires an engine. Locker, events, and metrics may be nil for
// single-instance or test deployments.
type Options struct {
	Store    policy.Store
	Ledger   audit.Ledger
	Scorer   *impact.Scorer
	Registry *agents.Registry
	Gate     *review.Gate
	Locker   locks.Locker
	Events   bus.Bus
	Metrics  metrics.Metrics
	Gov      *config.Governance
}

// New constructs an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Scorer == nil || opts.Registry == nil || opts.Gate == nil {
		return nil, fmt.Errorf("store, ledger, scorer, registry, and gate are required")
	}
	gov := opts.Gov
	if gov == nil {
		gov = config.DefaultGovernance()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{
		id:       "pipeline-" + uuid.NewString()[:8],
		store:    opts.Store,
		ledger:   opts.Ledger,
		scorer:   opts.Scorer,
		panel:    agents.NewPanel(opts.Registry, gov.Generation.MaxRounds),
		registry: opts.Registry,
		gate:     opts.Gate,
		locker:   opts.Locker,
		events:   opts.Events,
		metrics:  m,
		gov:      gov,
	}, nil
}

// Run subscribes to clause submissions and blocks until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	if e.events == nil {
		return fmt.Errorf("bus required for Run")
	}
	if err := e.events.Subscribe(bus.SubjectClauseSubmit, "pipeline", func(ev bus.Event) error {
		var clause policy.Clause
		if err := json.Unmarshal(ev.Payload, &clause); err != nil {
			return fmt.Errorf("decode clause: %w", err)
		}
		return e.ProcessClause(ctx, &clause)
	}); err != nil {
		return err
	}
	logging.Info("pipeline", "engine started", "id", e.id)
	<-ctx.Done()
	return ctx.Err()
}

// RefreshIndex re-embeds every policy. Called at startup and after approvals.
func (e *Engine) RefreshIndex(ctx context.Context) error {
	records, err := e.store.ListPolicies(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := e.scorer.IndexPolicy(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// ProcessClause runs the full intake path for one clause. Impacted policies
// are handled concurrently, each under its own record lock so two pipeline
// instances never draft against the same policy at once.
func (e *Engine) ProcessClause(ctx context.Context, clause *policy.Clause) error {
	started := time.Now()
	if clause.ID == "" {
		clause.ID = uuid.NewString()
	}
	if err := e.store.PutClause(ctx, clause); err != nil {
		return fmt.Errorf("store clause: %w", err)
	}
	e.metrics.IncClausesReceived(clause.Regulation)
	if _, err := e.ledger.Append(ctx, audit.Event{
		Action:   audit.ActionClauseReceived,
		Actor:    e.id,
		ClauseID: clause.ID,
	}); err != nil {
		return fmt.Errorf("audit clause: %w", err)
	}

	records, err := e.store.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	byID := make(map[string]*policy.Record, len(records))
	for _, rec := range records {
		if err := e.scorer.IndexPolicy(ctx, rec); err != nil {
			return fmt.Errorf("index policy %s: %w", rec.ID, err)
		}
		byID[rec.ID] = rec
	}

	assessments, err := e.scorer.Assess(ctx, clause, byID)
	if err != nil {
		return fmt.Errorf("assess clause %s: %w", clause.ID, err)
	}
	if len(assessments) == 0 {
		logging.Info("pipeline", "no impacted policies", "clause_id", clause.ID)
		if _, err := e.ledger.Append(ctx, audit.Event{
			Action:   audit.ActionNoImpact,
			Actor:    e.id,
			ClauseID: clause.ID,
		}); err != nil {
			return fmt.Errorf("audit no impact: %w", err)
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(assessments))
	for i, assessment := range assessments {
		rec, ok := byID[assessment.PolicyID]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, assessment policy.Assessment, rec *policy.Record) {
			defer wg.Done()
			errs[i] = e.propose(ctx, clause, rec, assessment)
		}(i, assessment, rec)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	e.metrics.ObservePipelineDuration("clause", time.Since(started).Seconds())
	return nil
}

func (e *Engine) propose(ctx context.Context, clause *policy.Clause, rec *policy.Record, assessment policy.Assessment) error {
	e.metrics.IncAssessments(string(assessment.Severity))
	detail, _ := json.Marshal(assessment)
	if _, err := e.ledger.Append(ctx, audit.Event{
		Action:   audit.ActionImpactAnalyzed,
		Actor:    e.id,
		PolicyID: rec.ID,
		ClauseID: clause.ID,
		Details:  detail,
	}); err != nil {
		return fmt.Errorf("audit assessment: %w", err)
	}

	if e.locker != nil {
		resource := "policy:" + rec.ID
		acquired, err := e.locker.Acquire(ctx, resource, e.id, lockTTL)
		if err != nil {
			return fmt.Errorf("lock %s: %w", resource, err)
		}
		if !acquired {
			logging.Warn("pipeline", "policy locked by another instance, skipping", "policy_id", rec.ID, "clause_id", clause.ID)
			return nil
		}
		defer func() {
			if _, err := e.locker.Release(context.WithoutCancel(ctx), resource, e.id); err != nil {
				logging.Error("pipeline", "lock release failed", "resource", resource, "error", err)
			}
		}()
	}

	patches, err := e.panel.Collect(ctx, agents.Request{
		Clause:     *clause,
		Policy:     *rec,
		Assessment: assessment,
	})
	if err != nil {
		return fmt.Errorf("collect patches: %w", err)
	}
	if len(patches) == 0 {
		logging.Info("pipeline", "no patches drafted", "policy_id", rec.ID, "clause_id", clause.ID)
		return nil
	}

	changes := resolve.Resolve(patches, e.registry.Rank)
	next, diff, spans, err := e.applier.Preview(rec, changes)
	if err != nil {
		return fmt.Errorf("preview changes: %w", err)
	}
	if next.Text == rec.Text && next.Title == rec.Title && next.Domain == rec.Domain {
		logging.Info("pipeline", "resolved changes are a no-op", "policy_id", rec.ID, "clause_id", clause.ID)
		return nil
	}

	prop := &policy.Proposal{
		ID:           uuid.NewString(),
		ClauseID:     clause.ID,
		PolicyID:     rec.ID,
		BaseVersion:  rec.Version,
		Assessment:   assessment,
		Patches:      patches,
		Changes:      changes,
		ProposedText: next.Text,
		Diff:         diff,
		Spans:        spans,
	}
	if err := e.store.CreateProposal(ctx, prop); err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}

	changeDetail, _ := json.Marshal(audit.ChangeDetail{
		Before: rec.Text,
		After:  next.Text,
		Diff:   diff,
		Spans:  spanPairs(spans),
	})
	if _, err := e.ledger.Append(ctx, audit.Event{
		Action:     audit.ActionProposalCreated,
		Actor:      e.id,
		PolicyID:   rec.ID,
		ProposalID: prop.ID,
		ClauseID:   clause.ID,
		Details:    changeDetail,
	}); err != nil {
		return fmt.Errorf("audit proposal: %w", err)
	}

	logging.Info("pipeline", "proposal queued for review",
		"proposal_id", prop.ID, "policy_id", rec.ID, "clause_id", clause.ID,
		"severity", string(assessment.Severity), "patches", len(patches))
	return e.gate.RequestReview(ctx, prop)
}

func spanPairs(spans []policy.Span) [][2]int {
	if len(spans) == 0 {
		return nil
	}
	out := make([][2]int, 0, len(spans))
	for _, sp := range spans {
		out = append(out, [2]int{sp.Start, sp.End})
	}
	return out
}
