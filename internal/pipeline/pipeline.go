// Package pipeline wires the extraction, anonymization, processing, storage,
// and ledger stages into one batch run per context. It is the only package
// that sees every stage; each stage stays independently testable behind its
// own contract.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/anonymize"
	"github.com/careledger/careledger/internal/connector"
	"github.com/careledger/careledger/internal/domain/record"
	"github.com/careledger/careledger/internal/extract"
	"github.com/careledger/careledger/internal/ledger"
	"github.com/careledger/careledger/internal/ledger/journal"
	"github.com/careledger/careledger/internal/process"
	"github.com/careledger/careledger/internal/store"
)

// Options carries the run-independent pipeline configuration.
type Options struct {
	ConsentChannel   string
	DataChannel      string
	PricePerResource int64 // ledger minor units per stored resource
}

// RunRequest describes one pipeline run for one extraction context.
type RunRequest struct {
	ContextID       uuid.UUID
	Kinds           []record.ResourceKind
	Filters         connector.Filters
	Limit           int
	Bundles         bool // extract per-patient bundles instead of collections
	PatientAccount  string
	HospitalAccount string
}

// RunReport aggregates every stage's accounting for one run.
type RunReport struct {
	RunID     uuid.UUID
	ContextID uuid.UUID

	Extraction extract.Summary
	Skipped    []extract.PatientFailure

	Attempted int
	Processed int
	Failures  []record.ItemFailure

	Storage store.Result

	ConsentProof *ledger.Proof
	DataProof    *ledger.Proof

	RevenueTotal int64
	Split        ledger.Split
	PatientTx    string
	HospitalTx   string
}

// Runner executes pipeline runs.
type Runner struct {
	conn       connector.Connector
	processor  *process.Processor
	dispatcher *store.Dispatcher
	engine     *ledger.Engine
	opts       Options
	logger     zerolog.Logger
}

// NewRunner assembles a Runner from already constructed stages.
func NewRunner(conn connector.Connector, processor *process.Processor, dispatcher *store.Dispatcher, engine *ledger.Engine, opts Options, logger zerolog.Logger) *Runner {
	return &Runner{
		conn:       conn,
		processor:  processor,
		dispatcher: dispatcher,
		engine:     engine,
		opts:       opts,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes one full cycle: extraction, anonymization, processing,
// storage, then proofs and payouts. Per-item failures are accounted for and do not abort
// the run; a connect failure, proof rejection, or payout rejection is
// surfaced immediately with whatever report exists at that point.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	if req.ContextID == uuid.Nil {
		req.ContextID = uuid.New()
	}

	report := &RunReport{RunID: uuid.New(), ContextID: req.ContextID}
	logger := r.logger.With().
		Str("run_id", report.RunID.String()).
		Str("context_id", req.ContextID.String()).
		Logger()

	if err := r.conn.Connect(ctx); err != nil {
		return report, err
	}
	defer func() {
		_ = r.conn.Disconnect(context.WithoutCancel(ctx))
	}()

	mapping, err := anonymize.NewPatientMapping(req.ContextID)
	if err != nil {
		return report, err
	}
	anonymizer := anonymize.New(mapping, logger)
	extractor := extract.New(r.conn, logger)

	// Extract.
	var raw []record.ResourceRecord
	if req.Bundles {
		bundles, err := extractor.ExtractAllPatientBundles(ctx, req.Filters, req.Limit)
		if err != nil {
			return report, err
		}
		report.Skipped = bundles.Skipped
		byKind := make(map[record.ResourceKind]int)
		for _, b := range bundles.Bundles {
			for _, res := range b.Resources {
				raw = append(raw, res)
				byKind[res.Kind]++
			}
		}
		report.Extraction = extract.Summary{Total: len(raw), ByKind: byKind}
	} else {
		extraction, err := extractor.ExtractAll(ctx, req.Kinds, req.Filters, req.Limit)
		if err != nil {
			return report, err
		}
		report.Extraction = extraction.Summary
		for _, kind := range orderedKinds(extraction.Resources) {
			raw = append(raw, extraction.Resources[kind]...)
		}
	}

	// Anonymize + process.
	batch := record.NewProcessingBatch(req.ContextID)
	inputs := make([]process.Input, 0, len(raw))
	for i := range raw {
		res := raw[i]
		anon, err := anonymizer.Anonymize(&res)
		if err != nil {
			batch.RecordFailure(res.Kind, res.ID, err.Error())
			continue
		}
		inputs = append(inputs, process.Input{Anonymized: anon, Original: &res})
	}

	processed, failures := r.processor.ProcessMany(ctx, inputs)
	for _, item := range processed {
		batch.Add(item)
	}
	for _, f := range failures {
		batch.RecordFailure(f.Kind, f.ID, f.Cause)
	}
	batch.Finalize()

	report.Attempted = batch.Attempted
	report.Processed = batch.Succeeded
	report.Failures = batch.Failures

	// Store.
	result := r.dispatcher.Store(ctx, req.ContextID, batch.Items)
	report.Storage = *result

	// Journal the run before touching the ledger, so the accounting exists
	// even when a proof is rejected.
	runRecord := &journal.RunRecord{
		ID:           report.RunID,
		ContextID:    req.ContextID,
		Attempted:    batch.Attempted,
		Succeeded:    batch.Succeeded,
		Failed:       batch.Failed,
		StoredOK:     result.Successful,
		StoredFailed: result.Failed,
	}
	if err := r.engine.RecordRun(ctx, runRecord); err != nil {
		logger.Error().Err(err).Msg("run journaling failed")
	}

	// Proofs: consent first, then data, each on its own channel.
	consentProof, err := r.engine.SubmitProof(ctx, r.opts.ConsentChannel, consentPayload(report.RunID, req.ContextID, mapping.Len(), batch))
	if err != nil {
		return report, err
	}
	report.ConsentProof = consentProof

	dataProof, err := r.engine.SubmitProof(ctx, r.opts.DataChannel, dataPayload(report.RunID, req.ContextID, batch, result))
	if err != nil {
		return report, err
	}
	report.DataProof = dataProof

	// Revenue: only stored resources earn.
	report.RevenueTotal = r.opts.PricePerResource * int64(result.Successful)
	split, err := r.engine.SplitFor(report.RevenueTotal)
	if err != nil {
		return report, err
	}
	report.Split = split

	if req.PatientAccount != "" && split.Patient > 0 {
		receipt, err := r.engine.ExecutePayout(ctx, req.PatientAccount, split.Patient)
		if err != nil {
			return report, err
		}
		report.PatientTx = receipt.ConfirmationID
	}
	if req.HospitalAccount != "" && split.Hospital > 0 {
		receipt, err := r.engine.ExecutePayout(ctx, req.HospitalAccount, split.Hospital)
		if err != nil {
			return report, err
		}
		report.HospitalTx = receipt.ConfirmationID
	}

	logger.Info().
		Int("attempted", report.Attempted).
		Int("processed", report.Processed).
		Int("stored", report.Storage.Successful).
		Int64("revenue_total", report.RevenueTotal).
		Msg("pipeline run complete")
	return report, nil
}

// consentPayload is the proof that consent covered this batch: counts, a
// stable batch identity, and a hash binding the two, no clinical content and
// no real identifiers.
func consentPayload(runID, contextID uuid.UUID, patients int, batch *record.ProcessingBatch) map[string]any {
	sum := sha256.Sum256([]byte(contextID.String() + ":" + batch.ID.String() + ":" + strconv.Itoa(patients)))
	return map[string]any{
		"kind":        "consent",
		"runId":       runID.String(),
		"contextId":   contextID.String(),
		"batchId":     batch.ID.String(),
		"patients":    patients,
		"consentHash": hex.EncodeToString(sum[:]),
	}
}

// dataPayload is the provenance proof for the batch: what was processed and
// what landed in storage, per kind.
func dataPayload(runID, contextID uuid.UUID, batch *record.ProcessingBatch, result *store.Result) map[string]any {
	tally := make(map[string]int)
	for kind, n := range batch.KindTally() {
		tally[string(kind)] = n
	}
	return map[string]any{
		"kind":         "data",
		"runId":        runID.String(),
		"contextId":    contextID.String(),
		"batchId":      batch.ID.String(),
		"attempted":    batch.Attempted,
		"succeeded":    batch.Succeeded,
		"failed":       batch.Failed,
		"byKind":       tally,
		"storedOk":     result.Successful,
		"storedFailed": result.Failed,
	}
}

// orderedKinds returns the extraction's kinds in the stable KnownKinds
// order, with any stragglers appended, so batch order is deterministic.
func orderedKinds(resources map[record.ResourceKind][]record.ResourceRecord) []record.ResourceKind {
	var out []record.ResourceKind
	seen := make(map[record.ResourceKind]bool)
	for _, k := range record.KnownKinds() {
		if _, ok := resources[k]; ok {
			out = append(out, k)
			seen[k] = true
		}
	}
	for k := range resources {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out
}
