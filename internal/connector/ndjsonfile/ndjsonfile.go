// Package ndjsonfile adapts a proprietary bulk-export directory to the
// connector contract. Each exported collection lives in a <Kind>.ndjson file
// with one JSON resource per line, the layout produced by bulk-data export
// jobs.
package ndjsonfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/careledger/careledger/internal/connector"
	"github.com/careledger/careledger/internal/domain/record"
)

// Connector reads clinical resources from an export directory. Connect scans
// the directory once; the set of available kinds is the set of .ndjson files
// present at that moment.
type Connector struct {
	dir string

	mu        sync.Mutex
	connected bool
	available map[record.ResourceKind]string // kind -> file path
}

// New creates a connector over the given export directory.
func New(dir string) *Connector {
	return &Connector{dir: dir}
}

// Connect verifies the export directory exists and indexes the collection
// files. Calling it again on an open connector is a no-op.
func (c *Connector) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("%w: read export directory %s: %v", connector.ErrConnection, c.dir, err)
	}

	c.available = make(map[record.ResourceKind]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".ndjson")
		kind := record.KindFromString(name)
		if kind == record.KindUnknown {
			continue
		}
		c.available[kind] = filepath.Join(c.dir, e.Name())
	}
	c.connected = true
	return nil
}

// AvailableResources returns the kinds present in the export, sorted for
// stable output.
func (c *Connector) AvailableResources(_ context.Context) ([]record.ResourceKind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("%w: not connected", connector.ErrConnection)
	}

	kinds := make([]record.ResourceKind, 0, len(c.available))
	for k := range c.available {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds, nil
}

// FetchResources returns a restartable iterator over one collection file.
func (c *Connector) FetchResources(_ context.Context, kind record.ResourceKind, filters connector.Filters, limit int) (connector.ResourceIterator, error) {
	c.mu.Lock()
	path, ok := c.available[kind]
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil, fmt.Errorf("%w: not connected", connector.ErrConnection)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", connector.ErrUnsupportedResource, kind)
	}

	it := &fileIterator{path: path, kind: kind, filters: filters, limit: limit}
	if err := it.Reset(); err != nil {
		return nil, err
	}
	return it, nil
}

// FetchPatientBundle assembles the full resource set for one patient by
// scanning every collection file for resources that reference the patient.
func (c *Connector) FetchPatientBundle(ctx context.Context, patientID string) (*record.PatientBundle, error) {
	c.mu.Lock()
	available := make(map[record.ResourceKind]string, len(c.available))
	for k, v := range c.available {
		available[k] = v
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil, fmt.Errorf("%w: not connected", connector.ErrConnection)
	}

	bundle := &record.PatientBundle{PatientID: patientID}
	found := false

	kinds := make([]record.ResourceKind, 0, len(available))
	for k := range available {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := scanFile(available[kind], kind, nil, 0)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if kind == record.KindPatient && r.ID == patientID {
				found = true
				bundle.Resources = append(bundle.Resources, r)
				continue
			}
			if referencesPatient(r.Fields, patientID) {
				found = true
				bundle.Resources = append(bundle.Resources, r)
			}
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: patient %s", connector.ErrNotFound, patientID)
	}
	return bundle, nil
}

// FetchPatientIDs reads the Patient collection and returns its identifiers.
func (c *Connector) FetchPatientIDs(_ context.Context, filters connector.Filters, limit int) ([]string, error) {
	c.mu.Lock()
	path, ok := c.available[record.KindPatient]
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil, fmt.Errorf("%w: not connected", connector.ErrConnection)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", connector.ErrUnsupportedResource, record.KindPatient)
	}

	recs, err := scanFile(path, record.KindPatient, filters, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Disconnect drops the file index. Safe to call at any time.
func (c *Connector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.available = nil
	return nil
}

// referencesPatient reports whether any reference field in the resource
// points at the given patient, in either "Patient/<id>" or bare-id form.
func referencesPatient(fields map[string]any, patientID string) bool {
	for _, key := range []string{"subject", "patient"} {
		switch v := fields[key].(type) {
		case string:
			if v == patientID || v == "Patient/"+patientID {
				return true
			}
		case map[string]any:
			if ref, ok := v["reference"].(string); ok {
				if ref == patientID || ref == "Patient/"+patientID {
					return true
				}
			}
		}
	}
	return false
}

// matchesFilters applies top-level string equality against the parsed fields.
func matchesFilters(fields map[string]any, filters connector.Filters) bool {
	for k, want := range filters {
		got, ok := fields[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// scanFile reads a whole collection file eagerly. Used for bundle assembly
// and patient-id listing, where the file is consumed in full anyway.
func scanFile(path string, kind record.ResourceKind, filters connector.Filters, limit int) ([]record.ResourceRecord, error) {
	it := &fileIterator{path: path, kind: kind, filters: filters, limit: limit}
	if err := it.Reset(); err != nil {
		return nil, err
	}
	defer it.close()
	return connector.Drain(context.Background(), it)
}

// fileIterator streams one .ndjson collection. Reset reopens the file, so
// iteration is restartable from the top.
type fileIterator struct {
	path    string
	kind    record.ResourceKind
	filters connector.Filters
	limit   int

	file    *os.File
	scanner *bufio.Scanner
	line    int
	yielded int
}

func (it *fileIterator) Reset() error {
	it.close()
	f, err := os.Open(it.path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", connector.ErrConnection, it.path, err)
	}
	it.file = f
	it.scanner = bufio.NewScanner(f)
	it.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	it.line = 0
	it.yielded = 0
	return nil
}

func (it *fileIterator) Next(ctx context.Context) (*record.ResourceRecord, error) {
	if it.scanner == nil {
		return nil, connector.ErrIteratorDone
	}
	if it.limit > 0 && it.yielded >= it.limit {
		it.close()
		return nil, connector.ErrIteratorDone
	}

	for it.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			it.close()
			return nil, err
		}
		it.line++
		line := strings.TrimSpace(it.scanner.Text())
		if line == "" {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			it.close()
			return nil, fmt.Errorf("parse %s line %d: %w", it.path, it.line, err)
		}
		if !matchesFilters(fields, it.filters) {
			continue
		}

		id, _ := fields["id"].(string)
		it.yielded++
		return &record.ResourceRecord{Kind: it.kind, ID: id, Fields: fields}, nil
	}

	if err := it.scanner.Err(); err != nil {
		it.close()
		return nil, fmt.Errorf("read %s: %w", it.path, err)
	}
	it.close()
	return nil, connector.ErrIteratorDone
}

func (it *fileIterator) close() {
	if it.file != nil {
		_ = it.file.Close()
		it.file = nil
		it.scanner = nil
	}
}
