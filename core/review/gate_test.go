package review

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/regsentinel/regsentinel/core/audit"
	"github.com/regsentinel/regsentinel/core/infra/bus"
	"github.com/regsentinel/regsentinel/core/policy"
)

func newTestGate(t *testing.T) (*Gate, *policy.RedisStore, *bus.InProc) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	store, err := policy.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	events := bus.NewInProc()
	return NewGate(store, store.Ledger(), events, nil), store, events
}

func seed(t *testing.T, store *policy.RedisStore) *policy.Proposal {
	t.Helper()
	ctx := context.Background()
	if err := store.PutPolicy(ctx, &policy.Record{
		ID:   "POL-1",
		Text: "Customer records are retained for 12 months.",
	}); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	prop := &policy.Proposal{
		ID:           "prop-1",
		ClauseID:     "ART10_3",
		PolicyID:     "POL-1",
		ProposedText: "Customer records are retained for 24 months.",
	}
	if err := store.CreateProposal(ctx, prop); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return prop
}

func TestRequestReviewAuditsAndPublishes(t *testing.T) {
	gate, store, events := newTestGate(t)
	ctx := context.Background()
	prop := seed(t, store)

	var published []string
	_ = events.Subscribe(bus.SubjectProposalPending, "", func(ev bus.Event) error {
		published = append(published, ev.TraceID)
		return nil
	})

	if err := gate.RequestReview(ctx, prop); err != nil {
		t.Fatalf("request review: %v", err)
	}
	if len(published) != 1 || published[0] != prop.ID {
		t.Fatalf("pending event not published: %v", published)
	}
	trail, err := store.Ledger().Query(ctx, audit.Filter{ProposalID: prop.ID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != audit.ActionReviewRequested {
		t.Fatalf("unexpected trail: %+v", trail)
	}
}

func TestDecideApprovesAndAnnounces(t *testing.T) {
	gate, store, events := newTestGate(t)
	ctx := context.Background()
	prop := seed(t, store)

	var decided int
	_ = events.Subscribe(bus.SubjectProposalDecided, "", func(bus.Event) error {
		decided++
		return nil
	})

	got, err := gate.Decide(ctx, policy.Decision{ProposalID: prop.ID, Status: policy.StatusApproved, Reviewer: "alice"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != policy.StatusApproved || decided != 1 {
		t.Fatalf("unexpected outcome: %+v published=%d", got, decided)
	}
	rec, _ := store.GetPolicy(ctx, "POL-1")
	if rec.Version != 2 {
		t.Fatalf("policy not applied: %+v", rec)
	}
}

func TestDecideConflictingVerdictIsRefusedAndAudited(t *testing.T) {
	gate, store, _ := newTestGate(t)
	ctx := context.Background()
	prop := seed(t, store)

	if _, err := gate.Decide(ctx, policy.Decision{ProposalID: prop.ID, Status: policy.StatusApproved, Reviewer: "alice"}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	_, err := gate.Decide(ctx, policy.Decision{ProposalID: prop.ID, Status: policy.StatusRejected, Reviewer: "bob"})
	if err != policy.ErrAlreadyDecided {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}

	// The refusal is recorded, the applied change stays at one event.
	trail, _ := store.Ledger().Query(ctx, audit.Filter{ProposalID: prop.ID})
	var approved, refused int
	for _, ev := range trail {
		switch ev.Action {
		case audit.ActionProposalApproved:
			approved++
		case audit.ActionReviewRefused:
			refused++
			if ev.Actor != "bob" {
				t.Fatalf("refusal should name the refused reviewer: %+v", ev)
			}
		}
	}
	if approved != 1 || refused != 1 {
		t.Fatalf("unexpected trail: %+v", trail)
	}

	rec, _ := store.GetPolicy(ctx, "POL-1")
	if rec.Version != 2 {
		t.Fatalf("refused verdict must not touch the policy: %+v", rec)
	}
}

func TestDecideIdempotentRedeliveryNotRefused(t *testing.T) {
	gate, store, _ := newTestGate(t)
	ctx := context.Background()
	prop := seed(t, store)

	dec := policy.Decision{ProposalID: prop.ID, Status: policy.StatusApproved, Reviewer: "alice"}
	if _, err := gate.Decide(ctx, dec); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := gate.Decide(ctx, dec); err != nil {
		t.Fatalf("redelivery should be a no-op: %v", err)
	}
	trail, _ := store.Ledger().Query(ctx, audit.Filter{ProposalID: prop.ID, Action: audit.ActionReviewRefused})
	if len(trail) != 0 {
		t.Fatalf("idempotent redelivery must not be recorded as refusal: %+v", trail)
	}
}
