// Package connector defines the uniform capability set every clinical-record
// backend adapter exposes, plus the error taxonomy callers rely on to
// distinguish "no data" from "not supported" and "not found".
package connector

import (
	"context"
	"errors"

	"github.com/careledger/careledger/internal/domain/record"
)

var (
	// ErrConnection indicates the backend session could not be established
	// or was lost. Connect failures always wrap this.
	ErrConnection = errors.New("connector: connection failed")

	// ErrUnsupportedResource indicates the backend instance does not expose
	// the requested resource kind. This is deliberately distinct from an
	// empty result set.
	ErrUnsupportedResource = errors.New("connector: unsupported resource kind")

	// ErrNotFound indicates the requested patient is unknown to the backend.
	ErrNotFound = errors.New("connector: not found")

	// ErrIteratorDone is returned by ResourceIterator.Next when the sequence
	// is exhausted.
	ErrIteratorDone = errors.New("connector: no more resources")
)

// Filters narrows a fetch to resources matching the given field values.
// Semantics of the keys are backend-specific (FHIR search parameters for the
// interop API, top-level field equality for file exports).
type Filters map[string]string

// ResourceIterator is a lazy, finite, restartable sequence of resource
// records. Next returns ErrIteratorDone once the sequence is exhausted;
// Reset restarts iteration from the beginning.
type ResourceIterator interface {
	Next(ctx context.Context) (*record.ResourceRecord, error)
	Reset() error
}

// Connector is the per-system adapter contract. Implementations must make
// Connect idempotent and Disconnect always safe to call, even after a prior
// failure.
type Connector interface {
	// Connect establishes a session with the backend.
	Connect(ctx context.Context) error

	// AvailableResources returns the set of resource kinds this backend
	// instance actually exposes.
	AvailableResources(ctx context.Context) ([]record.ResourceKind, error)

	// FetchResources returns an iterator over resources of one kind. A
	// limit of 0 means unbounded. A kind the backend does not expose fails
	// with ErrUnsupportedResource rather than returning an empty sequence.
	FetchResources(ctx context.Context, kind record.ResourceKind, filters Filters, limit int) (ResourceIterator, error)

	// FetchPatientBundle returns every resource linked to one patient
	// across all kinds. An unknown patient fails with ErrNotFound.
	FetchPatientBundle(ctx context.Context, patientID string) (*record.PatientBundle, error)

	// FetchPatientIDs returns the patient identifiers matching the filter,
	// truncated to limit when limit > 0.
	FetchPatientIDs(ctx context.Context, filters Filters, limit int) ([]string, error)

	// Disconnect releases the session.
	Disconnect(ctx context.Context) error
}

// Drain consumes an iterator to completion, honoring the caller's context.
func Drain(ctx context.Context, it ResourceIterator) ([]record.ResourceRecord, error) {
	var out []record.ResourceRecord
	for {
		rec, err := it.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
}
