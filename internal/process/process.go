// Package process dispatches anonymized resources to kind-specific
// transformers and isolates per-item failures, so a handful of malformed
// resources never sinks a batch of thousands.
package process

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/domain/record"
)

// Transformer turns one anonymized record into a storage-ready payload.
type Transformer func(ctx context.Context, res *record.AnonymizedRecord) (map[string]any, error)

// ProcessingError tags a transformer failure with the originating resource.
type ProcessingError struct {
	Kind record.ResourceKind
	ID   string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process %s/%s: %v", e.Kind, e.ID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Registry maps resource kinds to transformers. An unrecognized kind routes
// to the generic transformer, which normalizes structure and never fails.
type Registry struct {
	handlers map[record.ResourceKind]Transformer
	fallback Transformer
}

// NewRegistry creates a registry with the reference transformers installed.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[record.ResourceKind]Transformer),
		fallback: transformGeneric,
	}
	r.Register(record.KindPatient, transformPatient)
	r.Register(record.KindObservation, transformObservation)
	r.Register(record.KindEncounter, transformEncounter)
	return r
}

// Register installs or replaces the transformer for a kind.
func (r *Registry) Register(kind record.ResourceKind, t Transformer) {
	r.handlers[kind] = t
}

// Lookup returns the transformer for a kind, falling back to the generic
// pass-through for anything unregistered.
func (r *Registry) Lookup(kind record.ResourceKind) Transformer {
	if t, ok := r.handlers[kind]; ok {
		return t
	}
	return r.fallback
}

// Processor runs anonymized resources through the registry.
type Processor struct {
	registry *Registry
	logger   zerolog.Logger
}

// New creates a Processor over a transformer registry.
func New(registry *Registry, logger zerolog.Logger) *Processor {
	return &Processor{
		registry: registry,
		logger:   logger.With().Str("component", "processor").Logger(),
	}
}

// ProcessOne transforms a single resource. A transformer error is re-raised
// as a ProcessingError carrying the originating kind and id.
func (p *Processor) ProcessOne(ctx context.Context, res *record.AnonymizedRecord, original *record.ResourceRecord) (*record.ProcessedResource, error) {
	if res == nil {
		return nil, &ProcessingError{Kind: record.KindUnknown, Err: fmt.Errorf("nil resource")}
	}

	payload, err := p.registry.Lookup(res.Kind)(ctx, res)
	if err != nil {
		return nil, &ProcessingError{Kind: res.Kind, ID: res.ID, Err: err}
	}

	return &record.ProcessedResource{
		Kind:       res.Kind,
		ID:         res.ID,
		Payload:    payload,
		Anonymized: res,
		Original:   original,
	}, nil
}

// Input pairs an anonymized record with its pre-anonymization form for
// batch processing.
type Input struct {
	Anonymized *record.AnonymizedRecord
	Original   *record.ResourceRecord
}

// ProcessMany transforms every input, catching and recording each failure
// without stopping. len(successes) + len(failures) == len(inputs) always.
func (p *Processor) ProcessMany(ctx context.Context, inputs []Input) ([]*record.ProcessedResource, []record.ItemFailure) {
	successes := make([]*record.ProcessedResource, 0, len(inputs))
	var failures []record.ItemFailure

	for _, in := range inputs {
		out, err := p.ProcessOne(ctx, in.Anonymized, in.Original)
		if err != nil {
			kind := record.KindUnknown
			id := ""
			if in.Anonymized != nil {
				kind = in.Anonymized.Kind
				id = in.Anonymized.ID
			}
			p.logger.Warn().
				Str("kind", string(kind)).
				Str("id", id).
				Err(err).
				Msg("resource processing failed, continuing")
			failures = append(failures, record.ItemFailure{Kind: kind, ID: id, Cause: err.Error()})
			continue
		}
		successes = append(successes, out)
	}
	return successes, failures
}
