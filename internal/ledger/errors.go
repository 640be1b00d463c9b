package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidSplit indicates a revenue rate triple that does not sum to 1.0.
var ErrInvalidSplit = errors.New("ledger: revenue rates must sum to 1.0")

// SubmissionError is raised when a proof submission does not reach the
// Confirmed state: either the transport failed or the ledger answered with a
// non-success receipt. It is never retried by this package; callers decide.
type SubmissionError struct {
	Channel string
	Status  string // receipt status, "" when the transport itself failed
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("ledger: proof submission to %q rejected with status %q", e.Channel, e.Status)
	}
	return fmt.Sprintf("ledger: proof submission to %q failed: %v", e.Channel, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PayoutError is raised when a value transfer is not confirmed. Transfers
// are all-or-nothing at this boundary; a non-success receipt means no
// partial transfer happened and nothing is retried automatically.
type PayoutError struct {
	Recipient string
	Status    string
	Err       error
}

func (e *PayoutError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("ledger: payout to %q rejected with status %q", e.Recipient, e.Status)
	}
	return fmt.Sprintf("ledger: payout to %q failed: %v", e.Recipient, e.Err)
}

func (e *PayoutError) Unwrap() error { return e.Err }
