package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regsentinel/regsentinel/core/audit"
)

const pgStoreDDL = `
CREATE TABLE IF NOT EXISTS policies (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	domain     TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	version    BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS policy_versions (
	policy_id   TEXT NOT NULL,
	version     BIGINT NOT NULL,
	body        TEXT NOT NULL,
	proposal_id TEXT NOT NULL DEFAULT '',
	hash        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (policy_id, version)
);
CREATE TABLE IF NOT EXISTS clauses (
	id          TEXT PRIMARY KEY,
	doc         JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS proposals (
	id         TEXT PRIMARY KEY,
	policy_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS proposals_status_idx ON proposals (status, created_at DESC);
`

// PGStore implements Store on Postgres for deployments that want durable
// history. Decisions run in a single transaction with the audit append.
type PGStore struct {
	db     *pgxpool.Pool
	ledger *audit.PGLedger
}

// NewPGStore connects a pool and couples it with a hash-chained ledger.
func NewPGStore(ctx context.Context, url string) (*PGStore, error) {
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGStore{db: db, ledger: audit.NewPGLedger(db)}, nil
}

// Migrate creates all tables.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, pgStoreDDL); err != nil {
		return err
	}
	return s.ledger.Migrate(ctx)
}

// Close shuts down the pool.
func (s *PGStore) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

// Ledger exposes the audit trail sharing this store's pool.
func (s *PGStore) Ledger() *audit.PGLedger {
	return s.ledger
}

func (s *PGStore) PutPolicy(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("policy id required")
	}
	if rec.Version <= 0 {
		rec.Version = 1
	}
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO policies (id, title, domain, body, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET title=$2, domain=$3, body=$4, version=$5, updated_at=$6`,
		rec.ID, rec.Title, rec.Domain, rec.Text, rec.Version, rec.UpdatedAt)
	return err
}

func (s *PGStore) GetPolicy(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.QueryRow(ctx, `SELECT id, title, domain, body, version, updated_at FROM policies WHERE id=$1`, id).
		Scan(&rec.ID, &rec.Title, &rec.Domain, &rec.Text, &rec.Version, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) ListPolicies(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.Query(ctx, `SELECT id, title, domain, body, version, updated_at FROM policies ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Domain, &rec.Text, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PGStore) GetVersion(ctx context.Context, policyID string, version int64) (*Version, error) {
	var v Version
	err := s.db.QueryRow(ctx, `SELECT policy_id, version, body, proposal_id, hash, created_at FROM policy_versions WHERE policy_id=$1 AND version=$2`, policyID, version).
		Scan(&v.PolicyID, &v.Version, &v.Text, &v.ProposalID, &v.Hash, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PGStore) ListVersions(ctx context.Context, policyID string) ([]*Version, error) {
	rows, err := s.db.Query(ctx, `SELECT policy_id, version, body, proposal_id, hash, created_at FROM policy_versions WHERE policy_id=$1 ORDER BY version ASC`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.PolicyID, &v.Version, &v.Text, &v.ProposalID, &v.Hash, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PGStore) PutClause(ctx context.Context, clause *Clause) error {
	if clause == nil || clause.ID == "" {
		return fmt.Errorf("clause id required")
	}
	if clause.ReceivedAt.IsZero() {
		clause.ReceivedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(clause)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO clauses (id, doc, received_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET doc=$2, received_at=$3`,
		clause.ID, doc, clause.ReceivedAt)
	return err
}

func (s *PGStore) GetClause(ctx context.Context, id string) (*Clause, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM clauses WHERE id=$1`, id).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var clause Clause
	if err := json.Unmarshal(doc, &clause); err != nil {
		return nil, fmt.Errorf("decode clause: %w", err)
	}
	return &clause, nil
}

func (s *PGStore) CreateProposal(ctx context.Context, prop *Proposal) error {
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
	doc, err := json.Marshal(prop)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO proposals (id, policy_id, status, doc, created_at) VALUES ($1, $2, $3, $4, $5)`,
		prop.ID, prop.PolicyID, string(prop.Status), doc, prop.CreatedAt)
	return err
}

func (s *PGStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM proposals WHERE id=$1`, id).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeProposal(doc)
}

func (s *PGStore) ListProposals(ctx context.Context, status Status, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT doc FROM proposals ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if status != "" {
		query = `SELECT doc FROM proposals WHERE status=$1 ORDER BY created_at DESC LIMIT $2`
		args = []any{string(status), limit}
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Proposal
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		prop, err := decodeProposal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, prop)
	}
	return out, rows.Err()
}

// Decide mirrors the Redis store's semantics on a SQL transaction: the row
// lock on the proposal serializes concurrent reviewers, and the decision and
// its audit entry commit together. Only approval touches the policy row and
// writes a snapshot, inside the same transaction.
func (s *PGStore) Decide(ctx context.Context, dec Decision) (*Proposal, error) {
	if dec.ProposalID == "" {
		return nil, fmt.Errorf("proposal id required")
	}
	if !dec.Status.Decided() {
		return nil, fmt.Errorf("invalid decision %q", dec.Status)
	}
	if dec.Reviewer == "" {
		return nil, fmt.Errorf("reviewer required")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM proposals WHERE id=$1 FOR UPDATE`, dec.ProposalID).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prop, err := decodeProposal(doc)
	if err != nil {
		return nil, err
	}

	if prop.Status.Decided() {
		if prop.Status == dec.Status && prop.ReviewedBy == dec.Reviewer {
			return prop, nil
		}
		return nil, ErrAlreadyDecided
	}
	if !transitionAllowed(prop.Status, dec.Status) {
		return nil, fmt.Errorf("transition %s -> %s not allowed", prop.Status, dec.Status)
	}

	now := time.Now().UTC()
	prop.Status = dec.Status
	prop.ReviewedBy = dec.Reviewer
	prop.ReviewNote = dec.Note
	prop.DecidedAt = &now

	if dec.Status == StatusModified {
		if dec.ModifiedText == "" {
			return nil, fmt.Errorf("modified decision requires replacement text")
		}
		prop.RequestedText = dec.ModifiedText
	}

	var before string
	applies := dec.Status == StatusApproved
	if applies {
		var rec Record
		err = tx.QueryRow(ctx, `SELECT id, body, version FROM policies WHERE id=$1 FOR UPDATE`, prop.PolicyID).
			Scan(&rec.ID, &rec.Text, &rec.Version)
		if err == pgx.ErrNoRows {
			return nil, ErrTargetMissing
		}
		if err != nil {
			return nil, err
		}
		if rec.Version != prop.BaseVersion {
			return nil, ErrVersionConflict
		}
		before = rec.Text
		newVersion := rec.Version + 1
		if _, err := tx.Exec(ctx, `UPDATE policies SET body=$1, version=$2, updated_at=$3 WHERE id=$4`,
			prop.ProposedText, newVersion, now, rec.ID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO policy_versions (policy_id, version, body, proposal_id, hash, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, newVersion, prop.ProposedText, prop.ID, textHash(prop.ProposedText), now); err != nil {
			return nil, err
		}
	}

	newDoc, err := json.Marshal(prop)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE proposals SET status=$1, doc=$2 WHERE id=$3`,
		string(prop.Status), newDoc, prop.ID); err != nil {
		return nil, err
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
		return nil, err
	}
	if _, err := s.ledger.AppendTx(ctx, tx, audit.Event{
		Action:     decisionAction(dec.Status),
		Actor:      dec.Reviewer,
		PolicyID:   prop.PolicyID,
		ProposalID: prop.ID,
		ClauseID:   prop.ClauseID,
		Details:    detail,
		At:         now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return prop, nil
}

func decodeProposal(doc []byte) (*Proposal, error) {
	var prop Proposal
	if err := json.Unmarshal(doc, &prop); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &prop, nil
}
