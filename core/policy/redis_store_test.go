package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/regsentinel/regsentinel/core/audit"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPolicy(t *testing.T, store *RedisStore) *Record {
	t.Helper()
	rec := &Record{
		ID:     "POL-DATA-RETENTION",
		Title:  "Data Retention Policy",
		Domain: "data protection",
		Text:   "Customer records are retained for 12 months after account closure.",
	}
	if err := store.PutPolicy(context.Background(), rec); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	return rec
}

func seedProposal(t *testing.T, store *RedisStore, id string) *Proposal {
	t.Helper()
	prop := &Proposal{
		ID:           id,
		ClauseID:     "ART10_3",
		PolicyID:     "POL-DATA-RETENTION",
		ProposedText: "Customer records are retained for 24 months after account closure.",
		Diff:         "- 12 months\n+ 24 months",
	}
	if err := store.CreateProposal(context.Background(), prop); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return prop
}

func TestPutAndGetPolicy(t *testing.T) {
	store := newTestStore(t)
	rec := seedPolicy(t, store)
	if rec.Version != 1 {
		t.Fatalf("new policy should start at version 1, got %d", rec.Version)
	}

	got, err := store.GetPolicy(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if got.Text != rec.Text || got.Version != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := store.GetPolicy(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateProposalCapturesBaseVersion(t *testing.T) {
	store := newTestStore(t)
	seedPolicy(t, store)
	prop := seedProposal(t, store, "prop-1")

	got, err := store.GetProposal(context.Background(), prop.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.BaseVersion != 1 || got.Status != StatusPending {
		t.Fatalf("unexpected proposal: %+v", got)
	}

	orphan := &Proposal{ID: "prop-x", PolicyID: "missing"}
	if err := store.CreateProposal(context.Background(), orphan); err != ErrTargetMissing {
		t.Fatalf("expected ErrTargetMissing, got %v", err)
	}
}

func TestDecideApproveAppliesChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedPolicy(t, store)
	prop := seedProposal(t, store, "prop-1")

	decided, err := store.Decide(ctx, Decision{ProposalID: prop.ID, Status: StatusApproved, Reviewer: "alice", Note: "ok"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != StatusApproved || decided.DecidedAt == nil {
		t.Fatalf("unexpected decision result: %+v", decided)
	}

	rec, err := store.GetPolicy(ctx, prop.PolicyID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if rec.Version != 2 || rec.Text != prop.ProposedText {
		t.Fatalf("policy not updated: %+v", rec)
	}

	snap, err := store.GetVersion(ctx, prop.PolicyID, 2)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if snap.ProposalID != prop.ID || snap.Text != prop.ProposedText || snap.Hash == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	events, err := store.Ledger().Query(ctx, audit.Filter{ProposalID: prop.ID})
	if err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if len(events) != 1 || events[0].Action != audit.ActionProposalApproved || events[0].Actor != "alice" {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestDecideRejectLeavesPolicyUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := seedPolicy(t, store)
	prop := seedProposal(t, store, "prop-1")

	if _, err := store.Decide(ctx, Decision{ProposalID: prop.ID, Status: StatusRejected, Reviewer: "alice"}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	after, err := store.GetPolicy(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if after.Version != 1 || after.Text != rec.Text {
		t.Fatalf("rejected proposal mutated policy: %+v", after)
	}
}

func TestDecideModifiedLeavesPolicyUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seeded := seedPolicy(t, store)
	prop := seedProposal(t, store, "prop-1")

	requested := "Customer records are retained for 24 months, reviewed annually."
	decided, err := store.Decide(ctx, Decision{
		ProposalID:   prop.ID,
		Status:       StatusModified,
		Reviewer:     "alice",
		ModifiedText: requested,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != StatusModified || decided.RequestedText != requested {
		t.Fatalf("modification request not recorded: %+v", decided)
	}
	if decided.ProposedText != prop.ProposedText {
		t.Fatalf("proposed text should be preserved, got %q", decided.ProposedText)
	}

	rec, err := store.GetPolicy(ctx, prop.PolicyID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if rec.Version != 1 || rec.Text != seeded.Text {
		t.Fatalf("modification must not change the policy: version=%d text=%q", rec.Version, rec.Text)
	}
	versions, err := store.ListVersions(ctx, prop.PolicyID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("modification must not snapshot a version, got %d", len(versions))
	}

	events, err := store.Ledger().Query(ctx, audit.Filter{ProposalID: prop.ID})
	if err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if len(events) != 1 || events[0].Action != audit.ActionProposalModified {
		t.Fatalf("expected one PROPOSAL_MODIFIED event, got %+v", events)
	}
}

func TestDecideIdempotentRedelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedPolicy(t, store)
	prop := seedProposal(t, store, "prop-1")

	dec := Decision{ProposalID: prop.ID, Status: StatusApproved, Reviewer: "alice"}
	if _, err := store.Decide(ctx, dec); err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if _, err := store.Decide(ctx, dec); err != nil {
		t.Fatalf("identical redelivery should succeed: %v", err)
	}

	rec, _ := store.GetPolicy(ctx, prop.PolicyID)
	if rec.Version != 2 {
		t.Fatalf("redelivery must not re-apply: version %d", rec.Version)
	}
	events, _ := store.Ledger().Query(ctx, audit.Filter{ProposalID: prop.ID})
	if len(events) != 1 {
		t.Fatalf("redelivery must not append: %d events", len(events))
	}

	if _, err := store.Decide(ctx, Decision{ProposalID: prop.ID, Status: StatusRejected, Reviewer: "bob"}); err != ErrAlreadyDecided {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestDecideVersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedPolicy(t, store)
	first := seedProposal(t, store, "prop-1")
	second := seedProposal(t, store, "prop-2")

	if _, err := store.Decide(ctx, Decision{ProposalID: first.ID, Status: StatusApproved, Reviewer: "alice"}); err != nil {
		t.Fatalf("decide first: %v", err)
	}
	if _, err := store.Decide(ctx, Decision{ProposalID: second.ID, Status: StatusApproved, Reviewer: "alice"}); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestConcurrentApprovalsSingleWriter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedPolicy(t, store)

	const writers = 4
	props := make([]*Proposal, writers)
	for i := range props {
		props[i] = seedProposal(t, store, fmt.Sprintf("prop-%d", i+1))
	}

	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range props {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Decide(ctx, Decision{ProposalID: props[i].ID, Status: StatusApproved, Reviewer: "alice"})
		}(i)
	}
	wg.Wait()

	// Every proposal targets base version 1, so exactly one approval may
	// land; the rest lose the optimistic transaction or the version check.
	applied := 0
	for i, err := range errs {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrVersionConflict) || errors.Is(err, redis.TxFailedErr):
		default:
			t.Fatalf("proposal %s: unexpected decide error: %v", props[i].ID, err)
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied approval, got %d", applied)
	}

	rec, err := store.GetPolicy(ctx, props[0].PolicyID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if rec.Version != int64(1+applied) {
		t.Fatalf("version %d does not match %d applied approvals", rec.Version, applied)
	}
	snap, err := store.GetVersion(ctx, rec.ID, rec.Version)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if rec.Text != snap.Text {
		t.Fatalf("live text %q diverges from latest snapshot %q", rec.Text, snap.Text)
	}
	versions, err := store.ListVersions(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != applied {
		t.Fatalf("expected %d snapshots, got %d", applied, len(versions))
	}
}

func TestListProposalsByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedPolicy(t, store)
	seedProposal(t, store, "prop-1")
	seedProposal(t, store, "prop-2")
	if _, err := store.Decide(ctx, Decision{ProposalID: "prop-1", Status: StatusRejected, Reviewer: "alice"}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	pending, err := store.ListProposals(ctx, StatusPending, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "prop-2" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
	rejected, err := store.ListProposals(ctx, StatusRejected, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rejected) != 1 || rejected[0].ID != "prop-1" {
		t.Fatalf("unexpected rejected set: %+v", rejected)
	}
}
