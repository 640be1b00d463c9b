package journal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGJournal is the Postgres-backed Journal.
type PGJournal struct {
	pool *pgxpool.Pool
}

// NewPGJournal creates a journal over an existing connection pool. The
// schema is managed by the db migrator.
func NewPGJournal(pool *pgxpool.Pool) *PGJournal {
	return &PGJournal{pool: pool}
}

func (j *PGJournal) RecordProof(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	query := `
		INSERT INTO ledger_proofs (id, channel, payload_hash, state, confirmation_id, sequence, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := j.pool.QueryRow(ctx, query,
		e.ID, e.Channel, e.PayloadHash, e.State, e.ConfirmationID, int64(e.Sequence), e.LastError,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record proof: %w", err)
	}
	return nil
}

func (j *PGJournal) UpdateProof(ctx context.Context, e *Entry) error {
	query := `
		UPDATE ledger_proofs
		SET state = $2, confirmation_id = $3, sequence = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	err := j.pool.QueryRow(ctx, query,
		e.ID, e.State, e.ConfirmationID, int64(e.Sequence), e.LastError,
	).Scan(&e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("update proof: entry %s not found", e.ID)
	}
	if err != nil {
		return fmt.Errorf("update proof: %w", err)
	}
	return nil
}

func (j *PGJournal) FindConfirmed(ctx context.Context, channel, payloadHash string) (*Entry, error) {
	query := `
		SELECT id, channel, payload_hash, state, confirmation_id, sequence, last_error, created_at, updated_at
		FROM ledger_proofs
		WHERE channel = $1 AND payload_hash = $2 AND state = $3
		ORDER BY created_at DESC
		LIMIT 1`
	e := &Entry{}
	var seq int64
	err := j.pool.QueryRow(ctx, query, channel, payloadHash, StateConfirmed).Scan(
		&e.ID, &e.Channel, &e.PayloadHash, &e.State, &e.ConfirmationID, &seq, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find confirmed proof: %w", err)
	}
	e.Sequence = uint64(seq)
	return e, nil
}

func (j *PGJournal) ListProofs(ctx context.Context, channel string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, channel, payload_hash, state, confirmation_id, sequence, last_error, created_at, updated_at
		FROM ledger_proofs
		WHERE channel = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := j.pool.Query(ctx, query, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list proofs: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var seq int64
		if err := rows.Scan(&e.ID, &e.Channel, &e.PayloadHash, &e.State, &e.ConfirmationID, &seq, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		e.Sequence = uint64(seq)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *PGJournal) RecordRun(ctx context.Context, r *RunRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	query := `
		INSERT INTO pipeline_runs (id, context_id, attempted, succeeded, failed, stored_ok, stored_failed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at`
	err := j.pool.QueryRow(ctx, query,
		r.ID, r.ContextID, r.Attempted, r.Succeeded, r.Failed, r.StoredOK, r.StoredFailed,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}
