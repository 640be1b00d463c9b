package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/careledger/careledger/internal/domain/record"
)

// HTTPSinkOptions configures the outbound sink client.
type HTTPSinkOptions struct {
	BaseURL    string
	Secret     []byte // HS256 key for the per-context credential token
	Issuer     string
	Timeout    time.Duration
	RetryCount int
	TokenTTL   time.Duration
}

// HTTPSink posts each kind group to its endpoint (<base>/<kind>) with the
// caller-supplied context credentials in the request headers. One request
// per group; the server answers success or failure for the whole call.
type HTTPSink struct {
	http     *resty.Client
	secret   []byte
	issuer   string
	tokenTTL time.Duration
}

// storeRequest is the wire envelope every sink endpoint accepts.
type storeRequest struct {
	ContextID string           `json:"contextId"`
	Resources []map[string]any `json:"resources"`
}

// NewHTTPSink creates the sink client. Transport-level transient failures
// are retried with backoff; an HTTP error status is a hard group failure.
func NewHTTPSink(opts HTTPSinkOptions) *HTTPSink {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryCount == 0 {
		opts.RetryCount = 3
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 5 * time.Minute
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &HTTPSink{
		http:     client,
		secret:   opts.Secret,
		issuer:   opts.Issuer,
		tokenTTL: opts.TokenTTL,
	}
}

// Store implements Sink.
func (s *HTTPSink) Store(ctx context.Context, contextID uuid.UUID, kind record.ResourceKind, group []*record.ProcessedResource) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store %s group: %w", kind, err)
	}
	// An issued store call completes or fails on its own terms; cancelling
	// it mid-flight leaves the sink state ambiguous. The client timeout
	// still bounds the call.
	ctx = context.WithoutCancel(ctx)

	token, err := s.contextToken(contextID)
	if err != nil {
		return fmt.Errorf("mint sink credentials: %w", err)
	}

	body := storeRequest{ContextID: contextID.String()}
	for _, item := range group {
		body.Resources = append(body.Resources, item.Payload)
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("X-Context-ID", contextID.String()).
		SetBody(body).
		Post("/" + string(kind))
	if err != nil {
		return fmt.Errorf("store %s group: %w", kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("store %s group: sink returned %d: %s", kind, resp.StatusCode(), resp.String())
	}
	return nil
}

// contextToken mints the short-lived HS256 credential carried on every sink
// call for this context.
func (s *HTTPSink) contextToken(contextID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": contextID.String(),
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
