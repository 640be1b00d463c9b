// Package journal records every ledger submission attempt and every batch
// outcome in a durable audit table. The journal is what makes proof
// submission idempotent and auditable: a confirmed entry for the same
// (channel, payload hash) can be reused instead of resubmitted.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Proof states, in submission order.
const (
	StatePending   = "pending"
	StateSubmitted = "submitted"
	StateConfirmed = "confirmed"
	StateFailed    = "failed"
)

// Entry is one proof submission attempt and its outcome.
type Entry struct {
	ID             uuid.UUID
	Channel        string
	PayloadHash    string
	State          string
	ConfirmationID string
	Sequence       uint64
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunRecord is the durable accounting of one pipeline run.
type RunRecord struct {
	ID           uuid.UUID
	ContextID    uuid.UUID
	Attempted    int
	Succeeded    int
	Failed       int
	StoredOK     int
	StoredFailed int
	CreatedAt    time.Time
}

// Journal is the audit repository contract. FindConfirmed returns (nil, nil)
// when no confirmed entry exists for the key.
type Journal interface {
	RecordProof(ctx context.Context, e *Entry) error
	UpdateProof(ctx context.Context, e *Entry) error
	FindConfirmed(ctx context.Context, channel, payloadHash string) (*Entry, error)
	ListProofs(ctx context.Context, channel string, limit int) ([]*Entry, error)
	RecordRun(ctx context.Context, r *RunRecord) error
}
