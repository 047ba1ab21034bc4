package impact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regsentinel/regsentinel/core/infra/config"
	"github.com/regsentinel/regsentinel/core/infra/logging"
	"github.com/regsentinel/regsentinel/core/policy"
)

// Scorer judges how strongly a regulation clause impacts each internal
// policy. Scores below the low threshold produce no assessment at all.
type Scorer struct {
	embed Embedder
	index *Index
	cfg   config.ImpactConfig
}

// NewScorer constructs a scorer over an index of policy vectors.
func NewScorer(embed Embedder, index *Index, cfg config.ImpactConfig) *Scorer {
	if embed == nil {
		embed = HashEmbedder{}
	}
	if index == nil {
		index = NewIndex()
	}
	return &Scorer{embed: embed, index: index, cfg: cfg}
}

// IndexPolicy embeds a policy's text and stores it for retrieval.
func (s *Scorer) IndexPolicy(ctx context.Context, rec *policy.Record) error {
	vec, err := s.embed.Embed(ctx, rec.Text)
	if err != nil {
		return fmt.Errorf("embed policy %s: %w", rec.ID, err)
	}
	return s.index.Upsert(rec.ID, vec)
}

// Assess retrieves candidate policies for the clause and buckets each hit by
// severity. Policies missing from the records map are skipped.
func (s *Scorer) Assess(ctx context.Context, clause *policy.Clause, records map[string]*policy.Record) ([]policy.Assessment, error) {
	matches, err := s.retrieve(ctx, clause, records)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]policy.Assessment, 0, len(matches))
	for _, m := range matches {
		rec, ok := records[m.ID]
		if !ok {
			continue
		}
		if m.Score < s.cfg.SimilarityThreshold {
			continue
		}
		score := m.Score
		domainMatched := domainMatch(clause, rec)
		if domainMatched {
			score *= s.cfg.DomainBoost
			if score > 1.0 {
				score = 1.0
			}
		}
		severity, ok := s.bucket(score)
		if !ok {
			continue
		}
		out = append(out, policy.Assessment{
			ID:            uuid.NewString(),
			ClauseID:      clause.ID,
			PolicyID:      rec.ID,
			Similarity:    m.Score,
			Score:         score,
			Severity:      severity,
			DomainMatched: domainMatched,
			Reason:        reason(clause, rec, m.Score, domainMatched),
			CreatedAt:     now,
		})
	}
	return out, nil
}

func (s *Scorer) retrieve(ctx context.Context, clause *policy.Clause, records map[string]*policy.Record) ([]Match, error) {
	vec, err := s.embed.Embed(ctx, clause.Text)
	if err == nil {
		return s.index.Search(vec, s.cfg.TopK), nil
	}
	logging.Warn("scorer", "embedding failed, using lexical similarity", "clause_id", clause.ID, "error", err)
	out := make([]Match, 0, len(records))
	for id, rec := range records {
		out = append(out, Match{ID: id, Score: LexicalSimilarity(clause.Text, rec.Text)})
	}
	return topMatches(out, s.cfg.TopK), nil
}

func (s *Scorer) bucket(score float64) (policy.Severity, bool) {
	switch {
	case score >= s.cfg.HighThreshold:
		return policy.SeverityHigh, true
	case score >= s.cfg.MediumThreshold:
		return policy.SeverityMedium, true
	case score >= s.cfg.LowThreshold:
		return policy.SeverityLow, true
	}
	return "", false
}

// domainMatch reports whether the clause touches the policy's domain. The
// clause's own domain and each risk tag count, with substring containment
// checked in both directions.
func domainMatch(clause *policy.Clause, rec *policy.Record) bool {
	domain := strings.ToLower(strings.TrimSpace(rec.Domain))
	if domain == "" {
		return false
	}
	candidates := make([]string, 0, len(clause.RiskTags)+1)
	if clause.Domain != "" {
		candidates = append(candidates, clause.Domain)
	}
	candidates = append(candidates, clause.RiskTags...)
	for _, cand := range candidates {
		cand = strings.ToLower(strings.TrimSpace(cand))
		if cand == "" {
			continue
		}
		if strings.Contains(domain, cand) || strings.Contains(cand, domain) {
			return true
		}
	}
	return false
}

func reason(clause *policy.Clause, rec *policy.Record, similarity float64, domainMatched bool) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "clause %s of %s matches policy %q with similarity %.2f", clause.ID, clause.Regulation, rec.Title, similarity)
	if domainMatched {
		fmt.Fprintf(b, "; domain %q overlap raised the score", rec.Domain)
	}
	return b.String()
}
