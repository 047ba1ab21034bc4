package resolve

import (
	"encoding/json"
	"math/rand"
	"reflect"
	"testing"

	"github.com/regsentinel/regsentinel/core/policy"
)

func rankOf(agents ...string) func(string) int {
	return func(agent string) int {
		for i, a := range agents {
			if a == agent {
				return i
			}
		}
		return len(agents)
	}
}

func raw(v any) json.RawMessage {
	out, _ := json.Marshal(v)
	return out
}

func TestResolveAggregatesAgreement(t *testing.T) {
	patches := []policy.Patch{
		{Agent: "drafter", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("24 months"), Confidence: 0.6},
		{Agent: "risk_assessor", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("24 months"), Confidence: 0.5},
		{Agent: "drafter", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("36 months"), Confidence: 0.9},
	}
	got := Resolve(patches, rankOf("drafter", "risk_assessor"))
	if len(got) != 1 {
		t.Fatalf("expected one change, got %d", len(got))
	}
	var val string
	_ = json.Unmarshal(got[0].Value, &val)
	if val != "24 months" {
		t.Fatalf("pooled 1.1 should beat single 0.9: %+v", got[0])
	}
	if got[0].Confidence != 1.0 {
		t.Fatalf("stored confidence caps at 1.0: %f", got[0].Confidence)
	}
}

func TestResolveSingleStrongBeatsWeakPair(t *testing.T) {
	patches := []policy.Patch{
		{Agent: "a", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("weak"), Confidence: 0.3},
		{Agent: "b", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("weak"), Confidence: 0.3},
		{Agent: "c", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("strong"), Confidence: 0.8},
	}
	got := Resolve(patches, nil)
	var val string
	_ = json.Unmarshal(got[0].Value, &val)
	if val != "strong" {
		t.Fatalf("0.8 should beat 0.3+0.3: %+v", got[0])
	}
}

func TestResolveTieBreakByAgentRank(t *testing.T) {
	patches := []policy.Patch{
		{Agent: "risk_assessor", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("option B"), Confidence: 0.7},
		{Agent: "drafter", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("option A"), Confidence: 0.7},
	}
	got := Resolve(patches, rankOf("drafter", "risk_assessor"))
	var val string
	_ = json.Unmarshal(got[0].Value, &val)
	if val != "option A" {
		t.Fatalf("higher-priority agent should win the tie: %+v", got[0])
	}
	if got[0].Agent != "drafter" {
		t.Fatalf("winning agent not recorded: %+v", got[0])
	}
}

func TestResolveEquivalentValuesPool(t *testing.T) {
	patches := []policy.Patch{
		{Agent: "a", Target: "POL-1", Field: "", Op: policy.OpMerge, Value: raw(map[string]any{"text": "x", "title": "y"}), Confidence: 0.4},
		{Agent: "b", Target: "POL-1", Field: "", Op: policy.OpMerge, Value: json.RawMessage(`{"title":"y","text":"x"}`), Confidence: 0.4},
		{Agent: "c", Target: "POL-1", Field: "", Op: policy.OpMerge, Value: raw(map[string]any{"text": "z"}), Confidence: 0.5},
	}
	got := Resolve(patches, nil)
	if len(got) != 1 {
		t.Fatalf("expected one change: %+v", got)
	}
	var obj map[string]string
	_ = json.Unmarshal(got[0].Value, &obj)
	if obj["text"] != "x" {
		t.Fatalf("key order must not split equivalent values: %+v", obj)
	}
}

func TestResolveDeterministicUnderPermutation(t *testing.T) {
	patches := []policy.Patch{
		{Agent: "a", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("v1"), Confidence: 0.5},
		{Agent: "b", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("v2"), Confidence: 0.5},
		{Agent: "c", Target: "POL-1", Field: "title", Op: policy.OpReplace, Value: raw("t1"), Confidence: 0.9},
		{Agent: "a", Target: "POL-2", Field: "text", Op: policy.OpReplace, Value: raw("v3"), Confidence: 0.4},
	}
	rank := rankOf("a", "b", "c")
	want := Resolve(patches, rank)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]policy.Patch(nil), patches...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Resolve(shuffled, rank)
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("resolution depends on input order:\nwant %+v\ngot  %+v", want, got)
		}
	}
}

func TestResolveSeparateSlots(t *testing.T) {
	patches := []policy.Patch{
		{Agent: "a", Target: "POL-1", Field: "text", Op: policy.OpReplace, Value: raw("new text"), Confidence: 0.6},
		{Agent: "a", Target: "POL-1", Field: "title", Op: policy.OpReplace, Value: raw("new title"), Confidence: 0.6},
	}
	got := Resolve(patches, nil)
	if len(got) != 2 {
		t.Fatalf("independent fields must not conflict: %+v", got)
	}
}
