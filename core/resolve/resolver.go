package resolve

import (
	"encoding/json"
	"sort"

	"github.com/regsentinel/regsentinel/core/policy"
)

// Resolve merges conflicting patches into one change per (target, field)
// slot. Patches proposing the same value pool their confidence; the value
// with the highest aggregate wins. Ties fall to the single most confident
// patch, then to the better-ranked agent, then to the smaller canonical
// value, so the outcome never depends on input order.
func Resolve(patches []policy.Patch, rank func(agent string) int) []policy.Change {
	if rank == nil {
		rank = func(string) int { return 0 }
	}

	type slot struct {
		target string
		field  string
	}
	type candidate struct {
		canonical  string
		value      json.RawMessage
		op         policy.Op
		aggregate  float64
		bestSingle float64
		bestRank   int
		bestAgent  string
	}

	groups := map[slot]map[string]*candidate{}
	var order []slot
	for _, p := range patches {
		key := slot{target: p.Target, field: p.Field}
		canonical := canonicalValue(p.Value)
		byValue, ok := groups[key]
		if !ok {
			byValue = map[string]*candidate{}
			groups[key] = byValue
			order = append(order, key)
		}
		cand, ok := byValue[canonical]
		if !ok {
			cand = &candidate{
				canonical:  canonical,
				value:      p.Value,
				op:         p.Op,
				bestSingle: -1,
				bestRank:   1 << 30,
			}
			byValue[canonical] = cand
		}
		cand.aggregate += p.Confidence
		agentRank := rank(p.Agent)
		if p.Confidence > cand.bestSingle || (p.Confidence == cand.bestSingle && agentRank < cand.bestRank) {
			cand.bestSingle = p.Confidence
			cand.bestRank = agentRank
			cand.bestAgent = p.Agent
		}
	}

	better := func(a, b *candidate) bool {
		if a.aggregate != b.aggregate {
			return a.aggregate > b.aggregate
		}
		if a.bestSingle != b.bestSingle {
			return a.bestSingle > b.bestSingle
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.canonical < b.canonical
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].target != order[j].target {
			return order[i].target < order[j].target
		}
		return order[i].field < order[j].field
	})

	out := make([]policy.Change, 0, len(order))
	for _, key := range order {
		var winner *candidate
		for _, cand := range groups[key] {
			if winner == nil || better(cand, winner) {
				winner = cand
			}
		}
		if winner == nil {
			continue
		}
		confidence := winner.aggregate
		if confidence > 1.0 {
			confidence = 1.0
		}
		out = append(out, policy.Change{
			Target:     key.target,
			Field:      key.field,
			Op:         winner.op,
			Value:      winner.value,
			Confidence: confidence,
			Agent:      winner.bestAgent,
		})
	}
	return out
}

// canonicalValue renders a raw JSON value with sorted object keys so
// equivalent values compare equal regardless of agent serialization.
func canonicalValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
