package record

import (
	"time"

	"github.com/google/uuid"
)

// ResourceKind is the category of a clinical entity. The set of known kinds
// mirrors the resource types the supported backends expose; anything else
// maps to KindUnknown rather than failing.
type ResourceKind string

const (
	KindPatient             ResourceKind = "Patient"
	KindEncounter           ResourceKind = "Encounter"
	KindObservation         ResourceKind = "Observation"
	KindCondition           ResourceKind = "Condition"
	KindProcedure           ResourceKind = "Procedure"
	KindMedicationRequest   ResourceKind = "MedicationRequest"
	KindMedicationStatement ResourceKind = "MedicationStatement"
	KindAllergyIntolerance  ResourceKind = "AllergyIntolerance"
	KindImmunization        ResourceKind = "Immunization"
	KindDiagnosticReport    ResourceKind = "DiagnosticReport"
	KindDocumentReference   ResourceKind = "DocumentReference"
	KindCarePlan            ResourceKind = "CarePlan"
	KindCareTeam            ResourceKind = "CareTeam"
	KindDevice              ResourceKind = "Device"
	KindGoal                ResourceKind = "Goal"
	KindServiceRequest      ResourceKind = "ServiceRequest"
	KindSpecimen            ResourceKind = "Specimen"
	KindCoverage            ResourceKind = "Coverage"
	KindOrganization        ResourceKind = "Organization"
	KindPractitioner        ResourceKind = "Practitioner"
	KindUnknown             ResourceKind = "Unknown"
)

var knownKinds = []ResourceKind{
	KindPatient, KindEncounter, KindObservation, KindCondition, KindProcedure,
	KindMedicationRequest, KindMedicationStatement, KindAllergyIntolerance,
	KindImmunization, KindDiagnosticReport, KindDocumentReference,
	KindCarePlan, KindCareTeam, KindDevice, KindGoal, KindServiceRequest,
	KindSpecimen, KindCoverage, KindOrganization, KindPractitioner,
}

// KnownKinds returns the full set of recognised resource kinds (excluding
// KindUnknown) in a stable order.
func KnownKinds() []ResourceKind {
	out := make([]ResourceKind, len(knownKinds))
	copy(out, knownKinds)
	return out
}

// KindFromString maps a backend-reported resource type name onto a known
// kind, falling back to KindUnknown for anything unrecognised.
func KindFromString(s string) ResourceKind {
	for _, k := range knownKinds {
		if string(k) == s {
			return k
		}
	}
	return KindUnknown
}

// IsKnown reports whether the kind is one of the recognised resource kinds.
func (k ResourceKind) IsKnown() bool {
	for _, known := range knownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ResourceRecord is a raw clinical entity fetched from a source system.
// Identity is (Kind, ID) scoped to that source. Records are never mutated
// after creation; anonymization produces a new derived record.
type ResourceRecord struct {
	Kind   ResourceKind
	ID     string
	Fields map[string]any
}

// AnonymizedRecord is the de-identified form of a ResourceRecord. PseudonymID
// replaces every real patient identifier reachable within the record; within
// one context the same real identifier always yields the same pseudonym.
type AnonymizedRecord struct {
	Kind        ResourceKind
	ID          string
	PseudonymID string
	Fields      map[string]any
}

// ProcessedResource is the output of the per-kind transformer stage: the
// storage-ready payload plus references back to the anonymized and original
// forms (the original is still needed for consent hash computation).
type ProcessedResource struct {
	Kind       ResourceKind
	ID         string
	Payload    map[string]any
	Anonymized *AnonymizedRecord
	Original   *ResourceRecord
}

// PatientBundle is the complete set of resources linked to one patient
// across all kinds, fetched as a single aggregate.
type PatientBundle struct {
	PatientID string
	Resources []ResourceRecord
}

// ItemFailure records one per-item failure cause within a batch.
type ItemFailure struct {
	Kind  ResourceKind
	ID    string
	Cause string
}

// ProcessingBatch is the unit of work for one extraction run: the ordered
// processed resources plus exact accounting of what succeeded and what did
// not. Attempted == Succeeded + Failed once finalized.
type ProcessingBatch struct {
	ID          uuid.UUID
	ContextID   uuid.UUID
	StartedAt   time.Time
	FinalizedAt time.Time
	Items       []*ProcessedResource
	Failures    []ItemFailure

	Attempted int
	Succeeded int
	Failed    int

	finalized bool
}

// NewProcessingBatch starts a batch for the given extraction context.
func NewProcessingBatch(contextID uuid.UUID) *ProcessingBatch {
	return &ProcessingBatch{
		ID:        uuid.New(),
		ContextID: contextID,
		StartedAt: time.Now().UTC(),
	}
}

// Add appends a successfully processed resource to the batch.
func (b *ProcessingBatch) Add(item *ProcessedResource) {
	if b.finalized {
		return
	}
	b.Items = append(b.Items, item)
}

// RecordFailure records a per-item failure cause without aborting the batch.
func (b *ProcessingBatch) RecordFailure(kind ResourceKind, id, cause string) {
	if b.finalized {
		return
	}
	b.Failures = append(b.Failures, ItemFailure{Kind: kind, ID: id, Cause: cause})
}

// Finalize stamps the aggregate counts. Calling it more than once is a no-op;
// the first call wins.
func (b *ProcessingBatch) Finalize() {
	if b.finalized {
		return
	}
	b.finalized = true
	b.FinalizedAt = time.Now().UTC()
	b.Succeeded = len(b.Items)
	b.Failed = len(b.Failures)
	b.Attempted = b.Succeeded + b.Failed
}

// Finalized reports whether the batch has been closed.
func (b *ProcessingBatch) Finalized() bool {
	return b.finalized
}

// KindTally returns the per-kind count of successfully processed items.
func (b *ProcessingBatch) KindTally() map[ResourceKind]int {
	tally := make(map[ResourceKind]int)
	for _, item := range b.Items {
		tally[item.Kind]++
	}
	return tally
}
