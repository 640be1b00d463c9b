// Package store groups processed resources by kind and persists each group
// through a per-kind sink, tracking partial success exactly: a sink failure
// marks the whole group failed and the run moves on to the next kind.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/domain/record"
)

// Sink persists one kind's group of processed resources in a single call.
// Success and failure are per call, not per resource; any retry policy
// belongs to the sink's transport, not to the dispatcher.
type Sink interface {
	Store(ctx context.Context, contextID uuid.UUID, kind record.ResourceKind, group []*record.ProcessedResource) error
}

// KindError records a whole-group storage failure.
type KindError struct {
	Kind         record.ResourceKind
	ErrorMessage string
	Count        int
}

// Result is the externally observable outcome of a storage run.
// Successful + Failed always equals the total input count.
type Result struct {
	Successful int
	Failed     int
	Errors     []KindError
}

// Dispatcher routes processed resources to a sink, one call per kind group.
type Dispatcher struct {
	sink   Sink
	logger zerolog.Logger
}

// NewDispatcher creates a Dispatcher over the given sink.
func NewDispatcher(sink Sink, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sink:   sink,
		logger: logger.With().Str("component", "store_dispatcher").Logger(),
	}
}

// Store groups the input by kind (relative order within a group preserved;
// order across groups irrelevant) and stores each group with one sink call.
// A failing group is recorded in full and the remaining groups still run.
func (d *Dispatcher) Store(ctx context.Context, contextID uuid.UUID, items []*record.ProcessedResource) *Result {
	groups := make(map[record.ResourceKind][]*record.ProcessedResource)
	var order []record.ResourceKind
	for _, item := range items {
		if _, seen := groups[item.Kind]; !seen {
			order = append(order, item.Kind)
		}
		groups[item.Kind] = append(groups[item.Kind], item)
	}

	result := &Result{}
	for _, kind := range order {
		group := groups[kind]
		if err := d.sink.Store(ctx, contextID, kind, group); err != nil {
			d.logger.Warn().
				Str("kind", string(kind)).
				Int("count", len(group)).
				Err(err).
				Msg("sink call failed, whole group marked failed")
			result.Failed += len(group)
			result.Errors = append(result.Errors, KindError{
				Kind:         kind,
				ErrorMessage: err.Error(),
				Count:        len(group),
			})
			continue
		}
		result.Successful += len(group)
	}

	d.logger.Info().
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Msg("storage run complete")
	return result
}
