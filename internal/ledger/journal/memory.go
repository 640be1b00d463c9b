package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Journal used by tests and by one-shot runs with no
// database configured. Entries do not survive the process.
type Memory struct {
	mu      sync.Mutex
	entries []*Entry
	runs    []*RunRecord
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordProof(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *Memory) UpdateProof(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.entries {
		if existing.ID == e.ID {
			cp := *e
			cp.CreatedAt = existing.CreatedAt
			cp.UpdatedAt = time.Now().UTC()
			m.entries[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("journal: entry %s not found", e.ID)
}

func (m *Memory) FindConfirmed(_ context.Context, channel, payloadHash string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Channel == channel && e.PayloadHash == payloadHash && e.State == StateConfirmed {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListProofs(_ context.Context, channel string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Channel != channel {
			continue
		}
		cp := *m.entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecordRun(_ context.Context, r *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()
	cp := *r
	m.runs = append(m.runs, &cp)
	return nil
}

// Runs returns a copy of the recorded run history, newest last.
func (m *Memory) Runs() []*RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RunRecord, len(m.runs))
	for i, r := range m.runs {
		cp := *r
		out[i] = &cp
	}
	return out
}
