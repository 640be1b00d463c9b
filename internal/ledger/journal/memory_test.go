package journal

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestMemory_ProofLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	entry := &Entry{Channel: "consent", PayloadHash: "abc", State: StatePending}
	if err := m.RecordProof(ctx, entry); err != nil {
		t.Fatalf("RecordProof: %v", err)
	}
	if entry.ID == uuid.Nil {
		t.Error("RecordProof did not assign an id")
	}

	// Pending entries are not findable as confirmed.
	found, err := m.FindConfirmed(ctx, "consent", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Errorf("found pending entry as confirmed: %+v", found)
	}

	entry.State = StateConfirmed
	entry.ConfirmationID = "tx-1"
	entry.Sequence = 12
	if err := m.UpdateProof(ctx, entry); err != nil {
		t.Fatalf("UpdateProof: %v", err)
	}

	found, err = m.FindConfirmed(ctx, "consent", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.ConfirmationID != "tx-1" || found.Sequence != 12 {
		t.Errorf("FindConfirmed = %+v", found)
	}

	// Key is (channel, hash): other channels do not match.
	found, err = m.FindConfirmed(ctx, "data", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Errorf("cross-channel match: %+v", found)
	}
}

func TestMemory_UpdateUnknownEntry(t *testing.T) {
	m := NewMemory()
	err := m.UpdateProof(context.Background(), &Entry{ID: uuid.New()})
	if err == nil {
		t.Fatal("expected error updating unknown entry")
	}
}

func TestMemory_ListProofs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, hash := range []string{"h1", "h2", "h3"} {
		if err := m.RecordProof(ctx, &Entry{Channel: "data", PayloadHash: hash, State: StatePending}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.RecordProof(ctx, &Entry{Channel: "consent", PayloadHash: "other", State: StatePending}); err != nil {
		t.Fatal(err)
	}

	entries, err := m.ListProofs(ctx, "data", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].PayloadHash != "h3" || entries[1].PayloadHash != "h2" {
		t.Errorf("order = %q, %q", entries[0].PayloadHash, entries[1].PayloadHash)
	}
}

func TestMemory_RecordRun(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run := &RunRecord{ContextID: uuid.New(), Attempted: 10, Succeeded: 9, Failed: 1}
	if err := m.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	runs := m.Runs()
	if len(runs) != 1 {
		t.Fatalf("got %d runs", len(runs))
	}
	if runs[0].Attempted != 10 || runs[0].CreatedAt.IsZero() {
		t.Errorf("run = %+v", runs[0])
	}
}
