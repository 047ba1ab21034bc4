package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/regsentinel/regsentinel/core/policy"
)

func retentionRequest() Request {
	return Request{
		Clause: policy.Clause{
			ID:         "ART10_3",
			Regulation: "REG-2026",
			Article:    "Article 10(3)",
			Text:       "Customer data must be retained for 24 months after contract termination.",
			RiskTags:   []string{"data protection"},
		},
		Policy: policy.Record{
			ID:      "POL-DATA-RETENTION",
			Title:   "Data Retention Policy",
			Text:    "Customer records are retained for 12 months after account closure.",
			Version: 1,
		},
		Assessment: policy.Assessment{Severity: policy.SeverityHigh},
	}
}

func TestFirstDurationMonths(t *testing.T) {
	cases := []struct {
		text   string
		months int
		ok     bool
	}{
		{"retain for 24 months", 24, true},
		{"retain for 2 years", 24, true},
		{"retain for 1 yr", 12, true},
		{"retain for 90 days", 3, true},
		{"retain for 10 days", 1, true},
		{"retain for 1.5 years", 18, true},
		{"retain for 6 mos", 6, true},
		{"no duration here", 0, false},
	}
	for _, tc := range cases {
		got, ok := FirstDurationMonths(tc.text)
		if ok != tc.ok || got != tc.months {
			t.Fatalf("%q: got %d,%v want %d,%v", tc.text, got, ok, tc.months, tc.ok)
		}
	}
}

func TestDrafterTemplateRewritesDuration(t *testing.T) {
	req := retentionRequest()
	req.Round = 1
	patches, err := NewDrafter(nil).Propose(context.Background(), req)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected one patch: %+v", patches)
	}
	p := patches[0]
	if p.Op != policy.OpReplace || p.Field != "text" || p.Confidence < 0.9 {
		t.Fatalf("unexpected patch: %+v", p)
	}
	var text string
	_ = json.Unmarshal(p.Value, &text)
	if !strings.Contains(text, "24 months") || strings.Contains(text, "12 months") {
		t.Fatalf("duration not rewritten: %q", text)
	}
}

func TestDrafterTemplateAppendsWhenNoDuration(t *testing.T) {
	req := retentionRequest()
	req.Round = 1
	req.Clause.Text = "Policies must name a responsible data protection officer."
	patches, err := NewDrafter(nil).Propose(context.Background(), req)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(patches) != 1 || patches[0].Op != policy.OpMerge {
		t.Fatalf("expected a merge patch: %+v", patches)
	}
	var text string
	_ = json.Unmarshal(patches[0].Value, &text)
	if !strings.Contains(text, "Regulatory Compliance Update") || !strings.Contains(text, "REG-2026 Article 10(3)") {
		t.Fatalf("unexpected section: %q", text)
	}
}

func TestDrafterSilentAfterRoundOne(t *testing.T) {
	req := retentionRequest()
	req.Round = 2
	patches, err := NewDrafter(nil).Propose(context.Background(), req)
	if err != nil || patches != nil {
		t.Fatalf("expected no patches in round 2: %+v %v", patches, err)
	}
}

func TestHTTPDraftServiceValidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/draft" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req DraftRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Regulation != "REG-2026" {
			t.Errorf("request not forwarded: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(DraftResponse{Text: "rewritten", Confidence: 0.8})
	}))
	defer srv.Close()

	svc := NewHTTPDraftService(srv.URL, time.Second, 0)
	resp, err := svc.Draft(context.Background(), DraftRequest{Regulation: "REG-2026", ClauseText: "c", PolicyText: "p"})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if resp.Text != "rewritten" || resp.Confidence != 0.8 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHTTPDraftServiceRejectsInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"confidence": 0.8}`))
	}))
	defer srv.Close()

	svc := NewHTTPDraftService(srv.URL, time.Second, 2)
	if _, err := svc.Draft(context.Background(), DraftRequest{}); err == nil {
		t.Fatal("expected schema violation")
	}
}

func TestHTTPDraftServiceRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(DraftResponse{Text: "rewritten", Confidence: 0.7})
	}))
	defer srv.Close()

	svc := NewHTTPDraftService(srv.URL, time.Second, 3)
	resp, err := svc.Draft(context.Background(), DraftRequest{})
	if err != nil {
		t.Fatalf("draft should succeed after retries: %v", err)
	}
	if attempts != 3 || resp.Text != "rewritten" {
		t.Fatalf("unexpected retry behavior: attempts=%d resp=%+v", attempts, resp)
	}
}

// failingService lets the drafter exercise its fallback path.
type failingService struct{}

func (failingService) Draft(context.Context, DraftRequest) (*DraftResponse, error) {
	return nil, errors.New("unreachable")
}

func TestDrafterFallsBackWhenServiceFails(t *testing.T) {
	req := retentionRequest()
	req.Round = 1
	patches, err := NewDrafter(failingService{}).Propose(context.Background(), req)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(patches) != 1 || patches[0].Op != policy.OpReplace {
		t.Fatalf("fallback should still draft: %+v", patches)
	}
}

func TestRiskAssessorFlagsHighSeverity(t *testing.T) {
	req := retentionRequest()
	req.Round = 1
	patches, err := RiskAssessor{}.Propose(context.Background(), req)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(patches) != 1 || patches[0].Op != policy.OpMerge {
		t.Fatalf("expected a risk note: %+v", patches)
	}

	req.Assessment.Severity = policy.SeverityLow
	patches, _ = RiskAssessor{}.Propose(context.Background(), req)
	if patches != nil {
		t.Fatalf("low severity should not produce a note: %+v", patches)
	}
}

func TestRiskAssessorEndorsesMatchingRewrite(t *testing.T) {
	req := retentionRequest()
	req.Round = 2
	rewritten, _ := json.Marshal("Customer records are retained for 24 months after account closure.")
	req.Prior = []policy.Patch{{
		Agent: DrafterName, Target: req.Policy.ID, Field: "text",
		Op: policy.OpReplace, Value: rewritten, Confidence: 0.9,
	}}
	patches, err := RiskAssessor{}.Propose(context.Background(), req)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(patches) != 1 || patches[0].Op != policy.OpReplace || patches[0].Confidence != riskEndorseConfidence {
		t.Fatalf("expected an endorsement: %+v", patches)
	}
	if string(patches[0].Value) != string(rewritten) {
		t.Fatal("endorsement must reuse the drafted value")
	}
}

// lateBloomer stays silent until the given round, recording every round it saw.
type lateBloomer struct {
	from   int
	rounds *[]int
}

func (lateBloomer) Name() string { return "late-bloomer" }

func (g lateBloomer) Propose(_ context.Context, req Request) ([]policy.Patch, error) {
	*g.rounds = append(*g.rounds, req.Round)
	if req.Round < g.from {
		return nil, nil
	}
	val, _ := json.Marshal("late")
	return []policy.Patch{{Target: req.Policy.ID, Field: "text", Op: policy.OpMerge, Value: val}}, nil
}

func TestPanelStopsAfterEmptyRound(t *testing.T) {
	var rounds []int
	registry, err := NewRegistry(lateBloomer{from: 2, rounds: &rounds})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	panel := NewPanel(registry, 3)

	patches, err := panel.Collect(context.Background(), retentionRequest())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(patches) != 0 {
		t.Fatalf("an empty round must end the panel: %+v", patches)
	}
	if len(rounds) != 1 || rounds[0] != 1 {
		t.Fatalf("expected a single round, saw %v", rounds)
	}
}

func TestPanelRunsRoundsAndStampsPatches(t *testing.T) {
	registry, err := NewRegistry(NewDrafter(nil), RiskAssessor{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	panel := NewPanel(registry, 2)

	patches, err := panel.Collect(context.Background(), retentionRequest())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	// Drafter rewrite, round-one risk note, round-two endorsement.
	if len(patches) != 3 {
		t.Fatalf("expected 3 patches: %+v", patches)
	}
	counts := map[string]int{}
	for _, p := range patches {
		counts[p.Agent]++
		if p.Round < 1 || p.Round > 2 || p.ID == "" {
			t.Fatalf("patch not stamped: %+v", p)
		}
	}
	if counts[DrafterName] != 1 || counts[RiskAssessorName] != 2 {
		t.Fatalf("unexpected mix: %v", counts)
	}
	if registry.Rank(DrafterName) != 0 || registry.Rank("nobody") != 2 {
		t.Fatalf("unexpected ranks")
	}
}
