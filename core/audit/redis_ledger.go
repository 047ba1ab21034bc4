package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/regsentinel/regsentinel/core/infra/redisutil"
)

const (
	seqKey         = "audit:seq"
	eventKeyPrefix = "audit:event:"
	logKey         = "audit:log"

	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

func eventKey(seq int64) string {
	return eventKeyPrefix + strconv.FormatInt(seq, 10)
}

func policyIndexKey(id string) string   { return "audit:policy:" + id }
func proposalIndexKey(id string) string { return "audit:proposal:" + id }
func actorIndexKey(id string) string    { return "audit:actor:" + id }

// RedisLedger is an append-only audit trail on Redis. Entries are keyed by a
// strictly increasing sequence number and indexed by policy, proposal, and
// actor.
type RedisLedger struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedisLedger dials Redis and constructs a ledger.
func NewRedisLedger(url string) (*RedisLedger, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLedger{client: client, owned: true}, nil
}

// NewRedisLedgerWithClient wraps an existing client so the ledger can share a
// connection, and a transaction pipeline, with a store.
func NewRedisLedgerWithClient(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client}
}

// Close shuts down the client when the ledger owns it.
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil || !l.owned {
		return nil
	}
	return l.client.Close()
}

// AllocateSeq reserves the next sequence number. Callers that write events
// inside their own transaction allocate first; a reservation that is never
// written leaves a gap, which is fine, ordering stays monotonic.
func (l *RedisLedger) AllocateSeq(ctx context.Context) (int64, error) {
	if l == nil || l.client == nil {
		return 0, fmt.Errorf("ledger unavailable")
	}
	return l.client.Incr(ctx, seqKey).Result()
}

// AppendAt queues the ledger writes for a pre-allocated sequence number onto
// the caller's pipeline. The event becomes visible when the pipeline executes.
func AppendAt(ctx context.Context, pipe redis.Pipeliner, seq int64, ev Event) error {
	ev.Seq = seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	score := float64(seq)
	pipe.Set(ctx, eventKey(seq), data, 0)
	pipe.ZAdd(ctx, logKey, redis.Z{Score: score, Member: seq})
	if ev.PolicyID != "" {
		pipe.ZAdd(ctx, policyIndexKey(ev.PolicyID), redis.Z{Score: score, Member: seq})
	}
	if ev.ProposalID != "" {
		pipe.ZAdd(ctx, proposalIndexKey(ev.ProposalID), redis.Z{Score: score, Member: seq})
	}
	if ev.Actor != "" {
		pipe.ZAdd(ctx, actorIndexKey(ev.Actor), redis.Z{Score: score, Member: seq})
	}
	return nil
}

// Append assigns the next sequence number and writes the event.
func (l *RedisLedger) Append(ctx context.Context, ev Event) (int64, error) {
	seq, err := l.AllocateSeq(ctx)
	if err != nil {
		return 0, err
	}
	pipe := l.client.TxPipeline()
	if err := AppendAt(ctx, pipe, seq, ev); err != nil {
		return 0, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

// Query returns matching events in ascending sequence order.
func (l *RedisLedger) Query(ctx context.Context, f Filter) ([]Event, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("ledger unavailable")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	index := logKey
	switch {
	case f.ProposalID != "":
		index = proposalIndexKey(f.ProposalID)
	case f.PolicyID != "":
		index = policyIndexKey(f.PolicyID)
	case f.Actor != "":
		index = actorIndexKey(f.Actor)
	}

	min := "-inf"
	if f.SinceSeq > 0 {
		min = "(" + strconv.FormatInt(f.SinceSeq, 10)
	}
	seqs, err := l.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, limit)
	for _, raw := range seqs {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		data, err := l.client.Get(ctx, eventKey(seq)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decode audit event %d: %w", seq, err)
		}
		if !matches(ev, f) {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matches(ev Event, f Filter) bool {
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.PolicyID != "" && ev.PolicyID != f.PolicyID {
		return false
	}
	if f.ProposalID != "" && ev.ProposalID != f.ProposalID {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	return true
}
