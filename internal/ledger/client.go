// Package ledger is the client side of the external append-only ledger: it
// submits consent/data proofs to named channels, executes value transfers,
// and computes the revenue split. The ledger's internal consensus is out of
// scope; only the receipt contract matters here.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Receipt is the ledger's synchronous acknowledgment of a submission or
// transfer. ConfirmationID is only meaningful when the status is a success.
type Receipt struct {
	Status         string `json:"status"`
	ConfirmationID string `json:"confirmationId"`
	Sequence       uint64 `json:"sequence"`
}

// Success reports whether the receipt confirms the submission.
func (r *Receipt) Success() bool {
	switch strings.ToLower(r.Status) {
	case "ok", "confirmed", "success":
		return true
	}
	return false
}

// ClientOptions configures the ledger HTTP client.
type ClientOptions struct {
	BaseURL         string
	ExplorerBaseURL string
	AuthToken       string
	Timeout         time.Duration
	RetryCount      int
}

// Client talks to the ledger gateway. Transport retries cover transient
// network failures only; a receipt with a non-success status is a final
// answer and is never retried here.
type Client struct {
	http         *resty.Client
	explorerBase string
}

// submitRequest is the wire envelope for a channel message.
type submitRequest struct {
	Payload any `json:"payload"`
}

// transferRequest is the wire envelope for a value transfer.
type transferRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

// NewClient creates a ledger client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryCount == 0 {
		opts.RetryCount = 3
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(15 * time.Second).
		SetHeader("Content-Type", "application/json")
	if opts.AuthToken != "" {
		client.SetAuthToken(opts.AuthToken)
	}

	return &Client{
		http:         client,
		explorerBase: strings.TrimSuffix(opts.ExplorerBaseURL, "/"),
	}
}

// Submit appends a message to the named channel and blocks for the receipt.
// A transport failure returns an error with a nil receipt; a delivered
// receipt is returned as-is, success or not. Interpretation belongs to the
// engine.
func (c *Client) Submit(ctx context.Context, channel string, payload any) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("submit to channel %s: %w", channel, err)
	}
	// Once issued, the submission runs to its own completion or failure.
	// Aborting it mid-flight leaves the channel state ambiguous. The client
	// timeout still bounds the call.
	ctx = context.WithoutCancel(ctx)

	var receipt Receipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{Payload: payload}).
		SetResult(&receipt).
		Post("/channels/" + channel + "/messages")
	if err != nil {
		return nil, fmt.Errorf("submit to channel %s: %w", channel, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("submit to channel %s: gateway returned %d: %s", channel, resp.StatusCode(), resp.String())
	}
	return &receipt, nil
}

// Transfer issues a value transfer and blocks for a receipt of the same
// shape as a channel submission.
func (c *Client) Transfer(ctx context.Context, recipient string, amount int64) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transfer to %s: %w", recipient, err)
	}
	// An issued transfer must settle one way or the other; see Submit.
	ctx = context.WithoutCancel(ctx)

	var receipt Receipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(transferRequest{Recipient: recipient, Amount: amount}).
		SetResult(&receipt).
		Post("/transfers")
	if err != nil {
		return nil, fmt.Errorf("transfer to %s: %w", recipient, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("transfer to %s: gateway returned %d: %s", recipient, resp.StatusCode(), resp.String())
	}
	return &receipt, nil
}

// VerificationURL builds the externally verifiable reference link for a
// confirmed submission. Returns "" when no explorer is configured.
func (c *Client) VerificationURL(confirmationID string) string {
	if c.explorerBase == "" || confirmationID == "" {
		return ""
	}
	return c.explorerBase + "/tx/" + confirmationID
}
