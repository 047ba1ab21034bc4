package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regsentinel/regsentinel/core/audit"
	"github.com/regsentinel/regsentinel/core/infra/redisutil"
)

const (
	policyKeyPrefix      = "policy:rec:"
	policyIndexKey       = "policy:all"
	versionKeyPrefix     = "policy:version:"
	versionIndexPrefix   = "policy:versions:"
	clauseKeyPrefix      = "clause:"
	clauseRecentKey      = "clause:recent"
	proposalKeyPrefix    = "proposal:"
	proposalRecentKey    = "proposal:recent"
	proposalStatusPrefix = "proposal:status:"

	recentMaxLen = 1000
)

var allowedTransitions = map[Status][]Status{
	"":             {StatusPending},
	StatusPending:  {StatusApproved, StatusRejected, StatusModified},
	StatusApproved: {},
	StatusRejected: {},
	StatusModified: {},
}

func policyKey(id string) string          { return policyKeyPrefix + id }
func clauseKey(id string) string          { return clauseKeyPrefix + id }
func proposalKey(id string) string        { return proposalKeyPrefix + id }
func versionIndexKey(id string) string    { return versionIndexPrefix + id }
func statusIndexKey(s Status) string      { return proposalStatusPrefix + string(s) }
func versionKey(id string, v int64) string {
	return versionKeyPrefix + id + ":" + strconv.FormatInt(v, 10)
}

// RedisStore implements Store on Redis. Proposal decisions run under optimistic
// transactions so the decision, the policy update, and the audit entry land
// together or not at all.
type RedisStore struct {
	client redis.UniversalClient
	ledger *audit.RedisLedger
}

// NewRedisStore dials Redis and constructs a store with a co-located ledger.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, ledger: audit.NewRedisLedgerWithClient(client)}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ledger exposes the audit trail sharing this store's connection.
func (s *RedisStore) Ledger() *audit.RedisLedger {
	return s.ledger
}

// PutPolicy writes or replaces a policy record. New records start at version 1.
func (s *RedisStore) PutPolicy(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("policy id required")
	}
	if rec.Version <= 0 {
		rec.Version = 1
	}
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, policyKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, policyIndexKey, redis.Z{Score: float64(rec.UpdatedAt.Unix()), Member: rec.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetPolicy fetches a policy record by id.
func (s *RedisStore) GetPolicy(ctx context.Context, id string) (*Record, error) {
	return getJSON[Record](ctx, s.client, policyKey(id))
}

// ListPolicies returns every policy record, most recently updated first.
func (s *RedisStore) ListPolicies(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.ZRevRange(ctx, policyIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetPolicy(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetVersion fetches one historical snapshot.
func (s *RedisStore) GetVersion(ctx context.Context, policyID string, version int64) (*Version, error) {
	return getJSON[Version](ctx, s.client, versionKey(policyID, version))
}

// ListVersions returns a policy's snapshots in ascending version order.
func (s *RedisStore) ListVersions(ctx context.Context, policyID string) ([]*Version, error) {
	raw, err := s.client.ZRangeByScore(ctx, versionIndexKey(policyID), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Version, 0, len(raw))
	for _, member := range raw {
		v, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		snap, err := s.GetVersion(ctx, policyID, v)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// PutClause stores an incoming clause.
func (s *RedisStore) PutClause(ctx context.Context, clause *Clause) error {
	if clause == nil || clause.ID == "" {
		return fmt.Errorf("clause id required")
	}
	if clause.ReceivedAt.IsZero() {
		clause.ReceivedAt = time.Now().UTC()
	}
	data, err := json.Marshal(clause)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, clauseKey(clause.ID), data, 0)
	pipe.ZAdd(ctx, clauseRecentKey, redis.Z{Score: float64(clause.ReceivedAt.Unix()), Member: clause.ID})
	pipe.ZRemRangeByRank(ctx, clauseRecentKey, 0, -int64(recentMaxLen)-1)
	_, err = pipe.Exec(ctx)
	return err
}

// GetClause fetches a clause by id.
func (s *RedisStore) GetClause(ctx context.Context, id string) (*Clause, error) {
	return getJSON[Clause](ctx, s.client, clauseKey(id))
}

// CreateProposal stores a new pending proposal. The target policy must exist
// and the proposal captures its version as the base for later conflict checks.
func (s *RedisStore) CreateProposal(ctx context.Context, prop *Proposal) error {
	if prop == nil || prop.ID == "" {
		return fmt.Errorf("proposal id required")
	}
	if prop.PolicyID == "" {
		return fmt.Errorf("proposal target required")
	}
	rec, err := s.GetPolicy(ctx, prop.PolicyID)
	if err == ErrNotFound {
		return ErrTargetMissing
	}
	if err != nil {
		return err
	}
	if prop.BaseVersion == 0 {
		prop.BaseVersion = rec.Version
	}
	prop.Status = StatusPending
	if prop.CreatedAt.IsZero() {
		prop.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(prop)
	if err != nil {
		return err
	}
	score := float64(prop.CreatedAt.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, proposalKey(prop.ID), data, 0)
	pipe.ZAdd(ctx, statusIndexKey(StatusPending), redis.Z{Score: score, Member: prop.ID})
	pipe.ZAdd(ctx, proposalRecentKey, redis.Z{Score: score, Member: prop.ID})
	pipe.ZRemRangeByRank(ctx, proposalRecentKey, 0, -int64(recentMaxLen)-1)
	_, err = pipe.Exec(ctx)
	return err
}

// GetProposal fetches a proposal by id.
func (s *RedisStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	return getJSON[Proposal](ctx, s.client, proposalKey(id))
}

// ListProposals returns proposals, newest first, optionally filtered by status.
func (s *RedisStore) ListProposals(ctx context.Context, status Status, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	index := proposalRecentKey
	if status != "" {
		index = statusIndexKey(status)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		prop, err := s.GetProposal(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, prop)
	}
	return out, nil
}

// Decide applies a reviewer verdict. Only approval changes the policy: the
// proposal's text becomes the next version and the decision, the policy
// update, the snapshot, and the audit entry are written in one transaction.
// Rejection and modification requests record decision metadata and an audit
// entry; the policy record stays untouched. Re-delivery of an identical
// verdict by the same reviewer is a no-op; any other verdict on a decided
// proposal fails with ErrAlreadyDecided.
func (s *RedisStore) Decide(ctx context.Context, dec Decision) (*Proposal, error) {
	if dec.ProposalID == "" {
		return nil, fmt.Errorf("proposal id required")
	}
	if !dec.Status.Decided() {
		return nil, fmt.Errorf("invalid decision %q", dec.Status)
	}
	if dec.Reviewer == "" {
		return nil, fmt.Errorf("reviewer required")
	}

	propKey := proposalKey(dec.ProposalID)
	var decided *Proposal
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		prop, err := getJSONTx[Proposal](ctx, tx, propKey)
		if err != nil {
			return err
		}
		if prop.Status.Decided() {
			if prop.Status == dec.Status && prop.ReviewedBy == dec.Reviewer {
				decided = prop
				return nil
			}
			return ErrAlreadyDecided
		}
		if !transitionAllowed(prop.Status, dec.Status) {
			return fmt.Errorf("transition %s -> %s not allowed", prop.Status, dec.Status)
		}

		now := time.Now().UTC()
		prevStatus := prop.Status
		prop.Status = dec.Status
		prop.ReviewedBy = dec.Reviewer
		prop.ReviewNote = dec.Note
		prop.DecidedAt = &now

		if dec.Status == StatusModified {
			if dec.ModifiedText == "" {
				return fmt.Errorf("modified decision requires replacement text")
			}
			prop.RequestedText = dec.ModifiedText
		}

		var rec *Record
		var before string
		applies := dec.Status == StatusApproved
		if applies {
			rec, err = getJSONTx[Record](ctx, tx, policyKey(prop.PolicyID))
			if err == ErrNotFound {
				return ErrTargetMissing
			}
			if err != nil {
				return err
			}
			if rec.Version != prop.BaseVersion {
				return ErrVersionConflict
			}
			before = rec.Text
			rec.Text = prop.ProposedText
			rec.Version++
			rec.UpdatedAt = now
		}

		seq, err := s.ledger.AllocateSeq(ctx)
		if err != nil {
			return err
		}

		propData, err := json.Marshal(prop)
		if err != nil {
			return err
		}

		pipe := tx.TxPipeline()
		pipe.Set(ctx, propKey, propData, 0)
		pipe.ZRem(ctx, statusIndexKey(prevStatus), prop.ID)
		pipe.ZAdd(ctx, statusIndexKey(dec.Status), redis.Z{Score: float64(now.Unix()), Member: prop.ID})

		if applies {
			recData, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			snap := Version{
				PolicyID:   rec.ID,
				Version:    rec.Version,
				Text:       rec.Text,
				ProposalID: prop.ID,
				Hash:       textHash(rec.Text),
				CreatedAt:  now,
			}
			snapData, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			pipe.Set(ctx, policyKey(rec.ID), recData, 0)
			pipe.ZAdd(ctx, policyIndexKey, redis.Z{Score: float64(now.Unix()), Member: rec.ID})
			pipe.Set(ctx, versionKey(rec.ID, rec.Version), snapData, 0)
			pipe.ZAdd(ctx, versionIndexKey(rec.ID), redis.Z{Score: float64(rec.Version), Member: rec.Version})
		}

		detailAfter := prop.ProposedText
		if dec.Status == StatusModified {
			before = prop.ProposedText
			detailAfter = prop.RequestedText
		}
		detail, err := json.Marshal(audit.ChangeDetail{
			Before: before,
			After:  detailAfter,
			Diff:   prop.Diff,
			Spans:  spanPairs(prop.Spans),
		})
		if err != nil {
			return err
		}
		if err := audit.AppendAt(ctx, pipe, seq, audit.Event{
			Action:     decisionAction(dec.Status),
			Actor:      dec.Reviewer,
			PolicyID:   prop.PolicyID,
			ProposalID: prop.ID,
			ClauseID:   prop.ClauseID,
			Details:    detail,
			At:         now,
		}); err != nil {
			return err
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		decided = prop
		return nil
	}, propKey, policyKey(policyIDForWatch(ctx, s.client, dec.ProposalID)))
	if err != nil {
		return nil, err
	}
	return decided, nil
}

// policyIDForWatch resolves the proposal's target so the policy record is part
// of the watched set. A missing proposal is caught inside the transaction.
func policyIDForWatch(ctx context.Context, client redis.UniversalClient, proposalID string) string {
	prop, err := getJSON[Proposal](ctx, client, proposalKey(proposalID))
	if err != nil {
		return "unknown"
	}
	return prop.PolicyID
}

func decisionAction(s Status) audit.Action {
	switch s {
	case StatusApproved:
		return audit.ActionProposalApproved
	case StatusRejected:
		return audit.ActionProposalRejected
	default:
		return audit.ActionProposalModified
	}
}

func transitionAllowed(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func spanPairs(spans []Span) [][2]int {
	if len(spans) == 0 {
		return nil
	}
	out := make([][2]int, 0, len(spans))
	for _, sp := range spans {
		out = append(out, [2]int{sp.Start, sp.End})
	}
	return out
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func getJSON[T any](ctx context.Context, client redis.UniversalClient, key string) (*T, error) {
	return decodeKey[T](client.Get(ctx, key))
}

func getJSONTx[T any](ctx context.Context, tx *redis.Tx, key string) (*T, error) {
	return decodeKey[T](tx.Get(ctx, key))
}

func decodeKey[T any](cmd *redis.StringCmd) (*T, error) {
	data, err := cmd.Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", out, err)
	}
	return &out, nil
}
