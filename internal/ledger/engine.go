package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/ledger/journal"
)

// Proof is the engine-side view of one submission: its state machine
// position (pending → submitted → confirmed | failed) plus the confirmation
// handle once confirmed.
type Proof struct {
	Channel         string
	PayloadHash     string
	State           string
	ConfirmationID  string
	Sequence        uint64
	VerificationURL string
	// Reused marks a proof satisfied from the journal without a new
	// ledger submission.
	Reused bool
}

// Engine drives proof submission and payouts against the ledger client,
// journaling every attempt. Submissions to the same channel are serialized
// so the ledger's per-channel ordering guarantee holds; independent channels
// proceed independently.
type Engine struct {
	client  *Client
	journal journal.Journal
	rates   Rates
	logger  zerolog.Logger

	mu       sync.Mutex
	channels map[string]*sync.Mutex
}

// NewEngine creates an Engine. The rate triple is validated up front: an
// invalid split configuration is a system-level failure, not something to
// discover mid-run.
func NewEngine(client *Client, j journal.Journal, rates Rates, logger zerolog.Logger) (*Engine, error) {
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		client:   client,
		journal:  j,
		rates:    rates,
		logger:   logger.With().Str("component", "ledger_engine").Logger(),
		channels: make(map[string]*sync.Mutex),
	}, nil
}

// Rates returns the configured revenue split rates.
func (e *Engine) Rates() Rates {
	return e.rates
}

// SplitFor computes the revenue split for a total using the configured rates.
func (e *Engine) SplitFor(total int64) (Split, error) {
	return ComputeRevenueSplit(total, e.rates)
}

// SubmitProof serializes the payload, submits it to the named channel, and
// blocks until the ledger answers. A confirmed entry for the same (channel,
// payload hash) already in the journal is reused instead of resubmitted. A
// non-success receipt transitions to failed and raises a SubmissionError,
// never a silent retry.
func (e *Engine) SubmitProof(ctx context.Context, channel string, payload any) (*Proof, error) {
	hash, err := payloadHash(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize proof payload: %w", err)
	}

	lock := e.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := e.journal.FindConfirmed(ctx, channel, hash); err == nil && existing != nil {
		e.logger.Info().
			Str("channel", channel).
			Str("confirmation_id", existing.ConfirmationID).
			Msg("proof already confirmed, reusing journal entry")
		return &Proof{
			Channel:         channel,
			PayloadHash:     hash,
			State:           journal.StateConfirmed,
			ConfirmationID:  existing.ConfirmationID,
			Sequence:        existing.Sequence,
			VerificationURL: e.client.VerificationURL(existing.ConfirmationID),
			Reused:          true,
		}, nil
	}

	entry := &journal.Entry{Channel: channel, PayloadHash: hash, State: journal.StatePending}
	if err := e.journal.RecordProof(ctx, entry); err != nil {
		return nil, fmt.Errorf("journal proof: %w", err)
	}

	// Journal the submitted transition before the wire call, so a crash
	// mid-submit is distinguishable from a submission never issued.
	entry.State = journal.StateSubmitted
	e.journalUpdate(ctx, entry)

	receipt, submitErr := e.client.Submit(ctx, channel, payload)
	if submitErr != nil {
		entry.State = journal.StateFailed
		entry.LastError = submitErr.Error()
		e.journalUpdate(ctx, entry)
		return nil, &SubmissionError{Channel: channel, Err: submitErr}
	}

	if !receipt.Success() {
		entry.State = journal.StateFailed
		entry.LastError = "receipt status " + receipt.Status
		e.journalUpdate(ctx, entry)
		return nil, &SubmissionError{Channel: channel, Status: receipt.Status}
	}

	entry.State = journal.StateConfirmed
	entry.ConfirmationID = receipt.ConfirmationID
	entry.Sequence = receipt.Sequence
	e.journalUpdate(ctx, entry)

	e.logger.Info().
		Str("channel", channel).
		Str("confirmation_id", receipt.ConfirmationID).
		Uint64("sequence", receipt.Sequence).
		Msg("proof confirmed")

	return &Proof{
		Channel:         channel,
		PayloadHash:     hash,
		State:           journal.StateConfirmed,
		ConfirmationID:  receipt.ConfirmationID,
		Sequence:        receipt.Sequence,
		VerificationURL: e.client.VerificationURL(receipt.ConfirmationID),
	}, nil
}

// ExecutePayout issues a value transfer and waits for its receipt. A
// delivered non-success receipt raises a PayoutError; no partial transfer
// exists in that case and nothing is retried.
func (e *Engine) ExecutePayout(ctx context.Context, recipient string, amount int64) (*Receipt, error) {
	if amount <= 0 {
		return nil, &PayoutError{Recipient: recipient, Err: fmt.Errorf("non-positive amount %d", amount)}
	}

	receipt, err := e.client.Transfer(ctx, recipient, amount)
	if err != nil {
		return nil, &PayoutError{Recipient: recipient, Err: err}
	}
	if !receipt.Success() {
		return nil, &PayoutError{Recipient: recipient, Status: receipt.Status}
	}

	e.logger.Info().
		Str("recipient", recipient).
		Int64("amount", amount).
		Str("confirmation_id", receipt.ConfirmationID).
		Msg("payout confirmed")
	return receipt, nil
}

// RecordRun persists a run's accounting to the journal.
func (e *Engine) RecordRun(ctx context.Context, r *journal.RunRecord) error {
	return e.journal.RecordRun(ctx, r)
}

func (e *Engine) journalUpdate(ctx context.Context, entry *journal.Entry) {
	// The journal must record the outcome even when the run context died
	// while the submission was in flight; a confirmed proof left in a
	// non-terminal state would be resubmitted on the next run.
	ctx = context.WithoutCancel(ctx)
	if err := e.journal.UpdateProof(ctx, entry); err != nil {
		// The submission outcome stands; a journal write failure is loud
		// but must not turn a confirmed proof into an error.
		e.logger.Error().Err(err).Str("channel", entry.Channel).Msg("journal update failed")
	}
}

func (e *Engine) channelLock(channel string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.channels[channel]
	if !ok {
		lock = &sync.Mutex{}
		e.channels[channel] = lock
	}
	return lock
}

// payloadHash canonicalizes the payload as JSON and hashes it, keying the
// journal's idempotency check.
func payloadHash(payload any) (string, error) {
	// encoding/json sorts map keys, so equal maps hash equally.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
