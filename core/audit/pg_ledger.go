package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgLedgerDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	policy_id   TEXT NOT NULL DEFAULT '',
	proposal_id TEXT NOT NULL DEFAULT '',
	clause_id   TEXT NOT NULL DEFAULT '',
	details     JSONB,
	prev_hash   TEXT NOT NULL DEFAULT '',
	hash        TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_policy_idx ON audit_events (policy_id, seq);
CREATE INDEX IF NOT EXISTS audit_events_proposal_idx ON audit_events (proposal_id, seq);
CREATE INDEX IF NOT EXISTS audit_events_actor_idx ON audit_events (actor, seq);
`

// PGLedger is an append-only audit trail on Postgres. Each entry is hash
// chained to its predecessor so rewrites are detectable.
type PGLedger struct {
	db *pgxpool.Pool
}

// NewPGLedger wraps an existing pool.
func NewPGLedger(db *pgxpool.Pool) *PGLedger {
	return &PGLedger{db: db}
}

// Migrate creates the ledger table and indexes.
func (l *PGLedger) Migrate(ctx context.Context) error {
	_, err := l.db.Exec(ctx, pgLedgerDDL)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (l *PGLedger) Close() error { return nil }

// Append writes one entry, chaining it to the previous one.
func (l *PGLedger) Append(ctx context.Context, ev Event) (int64, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)
	seq, err := l.AppendTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

// appendLockKey serializes chained appends across transactions. Locking the
// head row is not enough: a transaction that read the head before a concurrent
// insert committed would chain to a stale predecessor.
const appendLockKey = 0x5eda17

// AppendTx writes one entry inside the caller's transaction, so a decision
// and its audit record commit together.
func (l *PGLedger) AppendTx(ctx context.Context, tx pgx.Tx, ev Event) (int64, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	// TIMESTAMPTZ stores microseconds; hash what the column will hold so
	// Verify recomputes the same digest from the stored row.
	ev.At = ev.At.Truncate(time.Microsecond)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return 0, err
	}
	var prevHash string
	err := tx.QueryRow(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && err != pgx.ErrNoRows {
		return 0, err
	}
	hash := chainHash(prevHash, ev)

	var seq int64
	err = tx.QueryRow(ctx, `
INSERT INTO audit_events (id, action, actor, policy_id, proposal_id, clause_id, details, prev_hash, hash, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING seq`,
		ev.ID, string(ev.Action), ev.Actor, ev.PolicyID, ev.ProposalID, ev.ClauseID,
		nullableJSON(ev.Details), prevHash, hash, ev.At,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Query returns matching events in ascending sequence order.
func (l *PGLedger) Query(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PolicyID != "" {
		add("policy_id = $%d", f.PolicyID)
	}
	if f.ProposalID != "" {
		add("proposal_id = $%d", f.ProposalID)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.SinceSeq > 0 {
		add("seq > $%d", f.SinceSeq)
	}
	query := `SELECT seq, id, action, actor, policy_id, proposal_id, clause_id, details, at FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d", len(args))

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var action string
		var details []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &action, &ev.Actor, &ev.PolicyID, &ev.ProposalID, &ev.ClauseID, &details, &ev.At); err != nil {
			return nil, err
		}
		ev.Action = Action(action)
		if len(details) > 0 {
			ev.Details = details
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Verify walks the chain and reports the first broken link, if any.
func (l *PGLedger) Verify(ctx context.Context) (int64, error) {
	rows, err := l.db.Query(ctx, `SELECT seq, id, action, actor, policy_id, proposal_id, clause_id, details, prev_hash, hash, at FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		var ev Event
		var action, prevHash, hash string
		var details []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &action, &ev.Actor, &ev.PolicyID, &ev.ProposalID, &ev.ClauseID, &details, &prevHash, &hash, &ev.At); err != nil {
			return 0, err
		}
		ev.Action = Action(action)
		if len(details) > 0 {
			ev.Details = details
		}
		if prevHash != prev || chainHash(prevHash, ev) != hash {
			return ev.Seq, fmt.Errorf("audit chain broken at seq %d", ev.Seq)
		}
		prev = hash
	}
	return 0, rows.Err()
}

func chainHash(prev string, ev Event) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(ev.ID))
	h.Write([]byte(ev.Action))
	h.Write([]byte(ev.Actor))
	h.Write([]byte(ev.PolicyID))
	h.Write([]byte(ev.ProposalID))
	h.Write([]byte(ev.ClauseID))
	h.Write(ev.Details)
	h.Write([]byte(ev.At.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
