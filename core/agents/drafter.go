package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regsentinel/regsentinel/core/infra/logging"
	"github.com/regsentinel/regsentinel/core/policy"
)

// DrafterName is the drafter's agent identifier.
const DrafterName = "drafter"

const (
	drafterServiceConfidence = 0.85
	drafterDirectConfidence  = 0.9
	drafterAppendConfidence  = 0.6
)

// Drafter proposes replacement policy text. With a drafting service it
// forwards the clause; without one, or when the service fails, it rewrites
// retention durations directly or appends a compliance section.
type Drafter struct {
	service DraftService
}

// NewDrafter constructs a drafter; service may be nil.
func NewDrafter(service DraftService) *Drafter {
	return &Drafter{service: service}
}

func (d *Drafter) Name() string { return DrafterName }

func (d *Drafter) Propose(ctx context.Context, req Request) ([]policy.Patch, error) {
	// One proposal per panel; later rounds are for the other agents to react.
	if req.Round > 1 {
		return nil, nil
	}

	if d.service != nil {
		resp, err := d.service.Draft(ctx, DraftRequest{
			ClauseText:  req.Clause.Text,
			Regulation:  req.Clause.Regulation,
			PolicyTitle: req.Policy.Title,
			PolicyText:  req.Policy.Text,
		})
		if err == nil && resp.Text != req.Policy.Text {
			confidence := resp.Confidence
			if confidence <= 0 {
				confidence = drafterServiceConfidence
			}
			return []policy.Patch{d.patch(req, policy.OpReplace, resp.Text, confidence, resp.Rationale)}, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.Warn("drafter", "draft service unavailable, using template", "clause_id", req.Clause.ID, "error", err)
		}
	}

	return d.template(req)
}

// template drafts without a service. When both the clause and the policy
// state a duration, the policy's duration is rewritten to the clause's,
// normalized to months. Otherwise the clause is appended as a new section.
func (d *Drafter) template(req Request) ([]policy.Patch, error) {
	required, okClause := FirstDurationMonths(req.Clause.Text)
	loc := durationPattern.FindStringIndex(req.Policy.Text)
	if okClause && loc != nil {
		replacement := formatMonths(required)
		proposed := req.Policy.Text[:loc[0]] + replacement + req.Policy.Text[loc[1]:]
		if proposed == req.Policy.Text {
			return nil, nil
		}
		rationale := fmt.Sprintf("%s requires %s; current policy states %s",
			req.Clause.Regulation, replacement, req.Policy.Text[loc[0]:loc[1]])
		return []policy.Patch{d.patch(req, policy.OpReplace, proposed, drafterDirectConfidence, rationale)}, nil
	}

	section := fmt.Sprintf("Regulatory Compliance Update (%s)\n%s", clauseRef(req.Clause), strings.TrimSpace(req.Clause.Text))
	rationale := "no direct rewrite available; clause appended for manual drafting"
	return []policy.Patch{d.patch(req, policy.OpMerge, section, drafterAppendConfidence, rationale)}, nil
}

func (d *Drafter) patch(req Request, op policy.Op, text string, confidence float64, rationale string) policy.Patch {
	value, _ := json.Marshal(text)
	return policy.Patch{
		ID:         uuid.NewString(),
		Agent:      DrafterName,
		Target:     req.Policy.ID,
		Field:      "text",
		Op:         op,
		Value:      value,
		Confidence: confidence,
		Rationale:  rationale,
		CreatedAt:  time.Now().UTC(),
	}
}

func clauseRef(clause policy.Clause) string {
	if clause.Article != "" {
		return clause.Regulation + " " + clause.Article
	}
	if clause.Regulation != "" {
		return clause.Regulation + " " + clause.ID
	}
	return clause.ID
}

var durationPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(years|year|yrs|yr|months|month|mos|mo|days|day)s?\b`)

// FirstDurationMonths extracts the first duration mentioned in text and
// normalizes it to whole months. Years multiply by 12; days divide by 30 and
// round, never below one month.
func FirstDurationMonths(text string) (int, bool) {
	m := durationPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	amount, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	var months float64
	switch strings.ToLower(m[2])[0] {
	case 'y':
		months = amount * 12
	case 'd':
		months = amount / 30
	default:
		months = amount
	}
	out := int(math.Round(months))
	if out < 1 {
		out = 1
	}
	return out, true
}

func formatMonths(months int) string {
	if months == 1 {
		return "1 month"
	}
	return fmt.Sprintf("%d months", months)
}
