// Package fhirapi adapts a FHIR R4 REST server to the connector contract.
// Resource fetches page through searchset bundles; patient bundles use the
// Patient/$everything operation.
package fhirapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/connector"
	"github.com/careledger/careledger/internal/domain/record"
)

const defaultPageSize = 50

// Options configures the FHIR connector HTTP client.
type Options struct {
	BaseURL    string
	AuthToken  string // optional bearer token for the source system
	Timeout    time.Duration
	RetryCount int
	PageSize   int
}

// Connector speaks FHIR REST to one source system. The capability statement
// fetched at Connect time drives the set of available resource kinds.
type Connector struct {
	http     *resty.Client
	pageSize int
	logger   zerolog.Logger

	mu        sync.Mutex
	connected bool
	available map[record.ResourceKind]bool
}

// New creates a FHIR connector. The client retries transient transport
// failures with backoff; HTTP-level errors are not retried here.
func New(opts Options, logger zerolog.Logger) *Connector {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryCount == 0 {
		opts.RetryCount = 3
	}
	if opts.PageSize == 0 {
		opts.PageSize = defaultPageSize
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/fhir+json")
	if opts.AuthToken != "" {
		client.SetAuthToken(opts.AuthToken)
	}

	return &Connector{
		http:     client,
		pageSize: opts.PageSize,
		logger:   logger.With().Str("component", "fhir_connector").Logger(),
	}
}

// capabilityStatement is the subset of the server metadata we read.
type capabilityStatement struct {
	Rest []struct {
		Resource []struct {
			Type string `json:"type"`
		} `json:"resource"`
	} `json:"rest"`
}

// bundle is the subset of a FHIR Bundle we read when paging search results.
type bundle struct {
	Total int `json:"total"`
	Link  []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource map[string]any `json:"resource"`
	} `json:"entry"`
}

func (b *bundle) nextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Connect fetches the capability statement and caches the advertised
// resource types. Reconnecting an open connector is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	var caps capabilityStatement
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&caps).
		Get("/metadata")
	if err != nil {
		return fmt.Errorf("%w: fetch capability statement: %v", connector.ErrConnection, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: capability statement returned %d", connector.ErrConnection, resp.StatusCode())
	}

	c.available = make(map[record.ResourceKind]bool)
	for _, rest := range caps.Rest {
		for _, res := range rest.Resource {
			kind := record.KindFromString(res.Type)
			if kind != record.KindUnknown {
				c.available[kind] = true
			}
		}
	}
	c.connected = true
	c.logger.Info().Int("kinds", len(c.available)).Msg("connected to FHIR source")
	return nil
}

// AvailableResources returns the kinds the server advertises.
func (c *Connector) AvailableResources(_ context.Context) ([]record.ResourceKind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("%w: not connected", connector.ErrConnection)
	}

	var kinds []record.ResourceKind
	for _, k := range record.KnownKinds() {
		if c.available[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// FetchResources returns a paging iterator over one resource kind.
func (c *Connector) FetchResources(_ context.Context, kind record.ResourceKind, filters connector.Filters, limit int) (connector.ResourceIterator, error) {
	c.mu.Lock()
	connected := c.connected
	supported := c.available[kind]
	c.mu.Unlock()

	if !connected {
		return nil, fmt.Errorf("%w: not connected", connector.ErrConnection)
	}
	if !supported {
		return nil, fmt.Errorf("%w: %s", connector.ErrUnsupportedResource, kind)
	}

	it := &searchIterator{conn: c, kind: kind, filters: filters, limit: limit}
	_ = it.Reset()
	return it, nil
}

// FetchPatientBundle runs Patient/<id>/$everything and flattens the result.
func (c *Connector) FetchPatientBundle(ctx context.Context, patientID string) (*record.PatientBundle, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("%w: not connected", connector.ErrConnection)
	}

	var b bundle
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&b).
		Get("/Patient/" + patientID + "/$everything")
	if err != nil {
		return nil, fmt.Errorf("%w: fetch patient bundle: %v", connector.ErrConnection, err)
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone {
		return nil, fmt.Errorf("%w: patient %s", connector.ErrNotFound, patientID)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: patient bundle returned %d", connector.ErrConnection, resp.StatusCode())
	}

	out := &record.PatientBundle{PatientID: patientID}
	for _, entry := range b.Entry {
		out.Resources = append(out.Resources, toRecord(entry.Resource))
	}
	return out, nil
}

// FetchPatientIDs searches Patient and collects ids, truncated to limit.
func (c *Connector) FetchPatientIDs(ctx context.Context, filters connector.Filters, limit int) ([]string, error) {
	it, err := c.FetchResources(ctx, record.KindPatient, filters, limit)
	if err != nil {
		return nil, err
	}
	recs, err := connector.Drain(ctx, it)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Disconnect drops the cached capability set. Safe to call at any time.
func (c *Connector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.available = nil
	return nil
}

// toRecord converts a parsed FHIR resource into a ResourceRecord.
func toRecord(fields map[string]any) record.ResourceRecord {
	kind := record.KindUnknown
	if rt, ok := fields["resourceType"].(string); ok {
		kind = record.KindFromString(rt)
	}
	id, _ := fields["id"].(string)
	return record.ResourceRecord{Kind: kind, ID: id, Fields: fields}
}

// searchIterator pages through searchset bundles. Reset restarts from the
// first page, so the sequence is restartable.
type searchIterator struct {
	conn    *Connector
	kind    record.ResourceKind
	filters connector.Filters
	limit   int

	buf     []record.ResourceRecord
	nextURL string
	started bool
	done    bool
	yielded int
}

func (it *searchIterator) Reset() error {
	it.buf = nil
	it.nextURL = ""
	it.started = false
	it.done = false
	it.yielded = 0
	return nil
}

func (it *searchIterator) Next(ctx context.Context) (*record.ResourceRecord, error) {
	if it.limit > 0 && it.yielded >= it.limit {
		it.done = true
		return nil, connector.ErrIteratorDone
	}
	for {
		if len(it.buf) > 0 {
			rec := it.buf[0]
			it.buf = it.buf[1:]
			it.yielded++
			return &rec, nil
		}
		if it.done {
			return nil, connector.ErrIteratorDone
		}
		if err := it.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
}

func (it *searchIterator) fetchPage(ctx context.Context) error {
	req := it.conn.http.R().SetContext(ctx)

	var b bundle
	req.SetResult(&b)

	var resp *resty.Response
	var err error
	if !it.started {
		pageSize := it.conn.pageSize
		if it.limit > 0 && it.limit < pageSize {
			pageSize = it.limit
		}
		params := map[string]string{"_count": strconv.Itoa(pageSize)}
		for k, v := range it.filters {
			params[k] = v
		}
		resp, err = req.SetQueryParams(params).Get("/" + string(it.kind))
	} else if it.nextURL != "" {
		resp, err = req.Get(it.nextURL)
	} else {
		it.done = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: search %s: %v", connector.ErrConnection, it.kind, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: search %s returned %d", connector.ErrConnection, it.kind, resp.StatusCode())
	}

	it.started = true
	it.nextURL = b.nextURL()
	if it.nextURL == "" && len(b.Entry) == 0 {
		it.done = true
	}
	for _, entry := range b.Entry {
		rec := toRecord(entry.Resource)
		if rec.Kind == record.KindUnknown {
			// Search results can interleave OperationOutcome entries.
			if rt, ok := entry.Resource["resourceType"].(string); ok && rt != string(it.kind) {
				continue
			}
			rec.Kind = it.kind
		}
		it.buf = append(it.buf, rec)
	}
	if len(b.Entry) == 0 {
		it.done = true
	}
	return nil
}
