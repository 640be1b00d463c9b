// Package extract orchestrates connector calls to pull whole resource
// collections or per-patient bundles. The failure policy throughout is
// "extract what you can; report what you could not": one kind or one patient
// failing never aborts the run.
package extract

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/connector"
	"github.com/careledger/careledger/internal/domain/record"
)

// KindFailure records why one resource kind could not be extracted.
type KindFailure struct {
	Kind  record.ResourceKind
	Cause string
}

// Summary is the aggregate accounting of one extraction run.
type Summary struct {
	Total    int
	ByKind   map[record.ResourceKind]int
	Failures []KindFailure
}

// Extraction is the result of ExtractAll: the fetched resources per kind
// plus the accounting summary. A kind that failed is present with an empty
// slice and a matching Failures entry.
type Extraction struct {
	Resources map[record.ResourceKind][]record.ResourceRecord
	Summary   Summary
}

// BundleExtraction is the result of ExtractAllPatientBundles. Bundles holds
// only the patients that were retrieved successfully; Skipped lists the rest
// with their causes, so callers must not assume len(Bundles) equals the
// requested limit.
type BundleExtraction struct {
	Bundles []record.PatientBundle
	Skipped []PatientFailure
}

// PatientFailure records why one patient's bundle was skipped.
type PatientFailure struct {
	PatientID string
	Cause     string
}

// Extractor drives a connector through bulk extraction.
type Extractor struct {
	conn   connector.Connector
	logger zerolog.Logger
}

// New creates an Extractor over an already constructed connector.
func New(conn connector.Connector, logger zerolog.Logger) *Extractor {
	return &Extractor{
		conn:   conn,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

// ExtractAll pulls every requested resource kind. When kinds is empty, every
// kind the connector reports available is extracted. When kinds is set, the
// request is intersected with the available set and unsupported kinds are
// silently dropped. This is lenient on purpose, unlike the connector's strict
// per-call ErrUnsupportedResource. A fetch failure on one kind is recorded
// as an empty result plus a failure cause and the run continues.
func (e *Extractor) ExtractAll(ctx context.Context, kinds []record.ResourceKind, filters connector.Filters, limit int) (*Extraction, error) {
	available, err := e.conn.AvailableResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available resources: %w", err)
	}

	selected := intersectKinds(kinds, available)

	out := &Extraction{
		Resources: make(map[record.ResourceKind][]record.ResourceRecord, len(selected)),
		Summary:   Summary{ByKind: make(map[record.ResourceKind]int, len(selected))},
	}

	for _, kind := range selected {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		recs, err := e.fetchKind(ctx, kind, filters, limit)
		if err != nil {
			e.logger.Warn().
				Str("kind", string(kind)).
				Err(err).
				Msg("kind extraction failed, continuing")
			out.Resources[kind] = nil
			out.Summary.Failures = append(out.Summary.Failures, KindFailure{Kind: kind, Cause: err.Error()})
			continue
		}

		out.Resources[kind] = recs
		out.Summary.ByKind[kind] = len(recs)
		out.Summary.Total += len(recs)
	}

	e.logger.Info().
		Int("total", out.Summary.Total).
		Int("kinds", len(selected)).
		Int("failed_kinds", len(out.Summary.Failures)).
		Msg("extraction complete")
	return out, nil
}

// ExtractAllPatientBundles lists patient ids (optionally truncated to limit)
// and fetches each patient's bundle sequentially. A failure on one patient
// is recorded and skipped.
func (e *Extractor) ExtractAllPatientBundles(ctx context.Context, filters connector.Filters, limit int) (*BundleExtraction, error) {
	ids, err := e.conn.FetchPatientIDs(ctx, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("list patient ids: %w", err)
	}

	out := &BundleExtraction{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		bundle, err := e.conn.FetchPatientBundle(ctx, id)
		if err != nil {
			e.logger.Warn().
				Str("patient_id", id).
				Err(err).
				Msg("patient bundle fetch failed, skipping")
			out.Skipped = append(out.Skipped, PatientFailure{PatientID: id, Cause: err.Error()})
			continue
		}
		out.Bundles = append(out.Bundles, *bundle)
	}

	e.logger.Info().
		Int("bundles", len(out.Bundles)).
		Int("skipped", len(out.Skipped)).
		Msg("bundle extraction complete")
	return out, nil
}

func (e *Extractor) fetchKind(ctx context.Context, kind record.ResourceKind, filters connector.Filters, limit int) ([]record.ResourceRecord, error) {
	it, err := e.conn.FetchResources(ctx, kind, filters, limit)
	if err != nil {
		return nil, err
	}
	return connector.Drain(ctx, it)
}

// intersectKinds applies the lenient selection policy: an empty request
// means everything available; otherwise requested kinds not in the available
// set are dropped without error, preserving the requested order.
func intersectKinds(requested, available []record.ResourceKind) []record.ResourceKind {
	if len(requested) == 0 {
		return available
	}
	availSet := make(map[record.ResourceKind]bool, len(available))
	for _, k := range available {
		availSet[k] = true
	}
	var out []record.ResourceKind
	for _, k := range requested {
		if availSet[k] {
			out = append(out, k)
		}
	}
	return out
}
