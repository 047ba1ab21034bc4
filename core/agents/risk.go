package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regsentinel/regsentinel/core/policy"
)

// RiskAssessorName is the risk assessor's agent identifier.
const RiskAssessorName = "risk_assessor"

const (
	riskNoteConfidence    = 0.4
	riskEndorseConfidence = 0.5
)

// RiskAssessor adds a risk note for high-severity clauses and, in the
// critique round, endorses rewrites that satisfy the clause's stated
// duration. Endorsement pools confidence behind a drafted value instead of
// fragmenting the vote.
type RiskAssessor struct{}

func (RiskAssessor) Name() string { return RiskAssessorName }

func (a RiskAssessor) Propose(_ context.Context, req Request) ([]policy.Patch, error) {
	if req.Round == 1 {
		if req.Assessment.Severity != policy.SeverityHigh {
			return nil, nil
		}
		note := fmt.Sprintf("Risk note (%s): %s", clauseRef(req.Clause), riskSummary(req.Clause))
		return []policy.Patch{a.patch(req, policy.OpMerge, note, riskNoteConfidence,
			"high-severity clause flagged for explicit risk language")}, nil
	}

	required, ok := FirstDurationMonths(req.Clause.Text)
	if !ok {
		return nil, nil
	}
	for _, prior := range req.Prior {
		if prior.Agent == RiskAssessorName || prior.Target != req.Policy.ID || prior.Field != "text" || prior.Op != policy.OpReplace {
			continue
		}
		var text string
		if err := json.Unmarshal(prior.Value, &text); err != nil {
			continue
		}
		if got, ok := FirstDurationMonths(text); ok && got == required {
			endorsed := a.patch(req, policy.OpReplace, text, riskEndorseConfidence,
				fmt.Sprintf("rewrite satisfies the required %s", formatMonths(required)))
			return []policy.Patch{endorsed}, nil
		}
	}
	return nil, nil
}

func (RiskAssessor) patch(req Request, op policy.Op, text string, confidence float64, rationale string) policy.Patch {
	value, _ := json.Marshal(text)
	return policy.Patch{
		ID:         uuid.NewString(),
		Agent:      RiskAssessorName,
		Target:     req.Policy.ID,
		Field:      "text",
		Op:         op,
		Value:      value,
		Confidence: confidence,
		Rationale:  rationale,
		CreatedAt:  time.Now().UTC(),
	}
}

func riskSummary(clause policy.Clause) string {
	if len(clause.RiskTags) > 0 {
		return "non-compliance exposure in " + strings.Join(clause.RiskTags, ", ")
	}
	return "review obligations introduced by this clause"
}
