package record

import (
	"testing"

	"github.com/google/uuid"
)

func TestKindFromString(t *testing.T) {
	tests := []struct {
		in   string
		want ResourceKind
	}{
		{"Patient", KindPatient},
		{"Observation", KindObservation},
		{"MedicationRequest", KindMedicationRequest},
		{"patient", KindUnknown},
		{"Bogus", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := KindFromString(tt.in); got != tt.want {
			t.Errorf("KindFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResourceKind_IsKnown(t *testing.T) {
	if !KindEncounter.IsKnown() {
		t.Error("expected Encounter to be known")
	}
	if KindUnknown.IsKnown() {
		t.Error("expected Unknown to not be known")
	}
	if ResourceKind("Martian").IsKnown() {
		t.Error("expected arbitrary kind to not be known")
	}
}

func TestKnownKinds_CopyIsIsolated(t *testing.T) {
	a := KnownKinds()
	a[0] = "Mutated"
	b := KnownKinds()
	if b[0] != KindPatient {
		t.Errorf("KnownKinds leaked internal slice: got %v", b[0])
	}
}

func TestProcessingBatch_Accounting(t *testing.T) {
	batch := NewProcessingBatch(uuid.New())

	batch.Add(&ProcessedResource{Kind: KindPatient, ID: "p1"})
	batch.Add(&ProcessedResource{Kind: KindObservation, ID: "o1"})
	batch.Add(&ProcessedResource{Kind: KindObservation, ID: "o2"})
	batch.RecordFailure(KindEncounter, "e1", "malformed resource")

	batch.Finalize()

	if batch.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", batch.Succeeded)
	}
	if batch.Failed != 1 {
		t.Errorf("Failed = %d, want 1", batch.Failed)
	}
	if batch.Attempted != batch.Succeeded+batch.Failed {
		t.Errorf("Attempted = %d, want %d", batch.Attempted, batch.Succeeded+batch.Failed)
	}
	if batch.FinalizedAt.IsZero() {
		t.Error("FinalizedAt not stamped")
	}

	tally := batch.KindTally()
	if tally[KindObservation] != 2 || tally[KindPatient] != 1 {
		t.Errorf("KindTally = %v", tally)
	}
}

func TestProcessingBatch_FinalizeIsIdempotent(t *testing.T) {
	batch := NewProcessingBatch(uuid.New())
	batch.Add(&ProcessedResource{Kind: KindPatient, ID: "p1"})
	batch.Finalize()

	first := batch.FinalizedAt

	// Mutations after finalization are ignored.
	batch.Add(&ProcessedResource{Kind: KindPatient, ID: "p2"})
	batch.RecordFailure(KindPatient, "p3", "late failure")
	batch.Finalize()

	if batch.Attempted != 1 || batch.Succeeded != 1 || batch.Failed != 0 {
		t.Errorf("post-finalize mutation changed counts: %d/%d/%d",
			batch.Attempted, batch.Succeeded, batch.Failed)
	}
	if !batch.FinalizedAt.Equal(first) {
		t.Error("second Finalize restamped FinalizedAt")
	}
}
