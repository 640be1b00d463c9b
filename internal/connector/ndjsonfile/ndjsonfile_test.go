package ndjsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/careledger/careledger/internal/connector"
	"github.com/careledger/careledger/internal/domain/record"
)

func writeExport(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestExport(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeExport(t, dir, "Patient.ndjson",
		`{"id":"p1","gender":"female","birthDate":"1980-04-12"}
{"id":"p2","gender":"male","birthDate":"1975-01-30"}
`)
	writeExport(t, dir, "Observation.ndjson",
		`{"id":"o1","subject":{"reference":"Patient/p1"},"status":"final"}
{"id":"o2","subject":{"reference":"Patient/p2"},"status":"final"}
{"id":"o3","subject":{"reference":"Patient/p1"},"status":"preliminary"}
`)
	// Not a recognised kind, should be ignored by Connect.
	writeExport(t, dir, "Zzz.ndjson", `{"id":"z1"}`)
	return dir
}

func TestConnector_Connect(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Idempotent.
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	kinds, err := c.AvailableResources(ctx)
	if err != nil {
		t.Fatalf("AvailableResources: %v", err)
	}
	if len(kinds) != 2 {
		t.Fatalf("got %d kinds, want 2: %v", len(kinds), kinds)
	}
	if kinds[0] != record.KindObservation || kinds[1] != record.KindPatient {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestConnector_ConnectMissingDir(t *testing.T) {
	c := New("/nonexistent/export")
	err := c.Connect(context.Background())
	if !errors.Is(err, connector.ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestConnector_FetchResources(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.FetchResources(ctx, record.KindObservation, nil, 0)
	if err != nil {
		t.Fatalf("FetchResources: %v", err)
	}
	recs, err := connector.Drain(ctx, it)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].ID != "o1" || recs[0].Kind != record.KindObservation {
		t.Errorf("first record = %+v", recs[0])
	}

	// Exhausted iterators stay done.
	if _, err := it.Next(ctx); !errors.Is(err, connector.ErrIteratorDone) {
		t.Errorf("Next after drain = %v, want ErrIteratorDone", err)
	}
}

func TestConnector_FetchResourcesRestart(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.FetchResources(ctx, record.KindPatient, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	first, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := it.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	again, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("after Reset got %q, want %q", again.ID, first.ID)
	}
}

func TestConnector_FetchResourcesReleasesFileOnError(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.FetchResources(ctx, record.KindPatient, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := it.Next(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next on cancelled context = %v, want context.Canceled", err)
	}

	// The file is released on the error return; the iterator is done.
	if _, err := it.Next(ctx); !errors.Is(err, connector.ErrIteratorDone) {
		t.Errorf("Next after error = %v, want ErrIteratorDone", err)
	}

	// Reset reopens and iteration restarts from the top.
	if err := it.Reset(); err != nil {
		t.Fatalf("Reset after error: %v", err)
	}
	rec, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "p1" {
		t.Errorf("after Reset got %q, want p1", rec.ID)
	}
}

func TestConnector_FetchResourcesMalformedLineClosesFile(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, "Patient.ndjson", "{\"id\":\"p1\"}\nnot json\n")

	c := New(dir)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.FetchResources(ctx, record.KindPatient, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(ctx); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := it.Next(ctx); !errors.Is(err, connector.ErrIteratorDone) {
		t.Errorf("Next after parse error = %v, want ErrIteratorDone", err)
	}
}

func TestConnector_FetchResourcesLimitAndFilters(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.FetchResources(ctx, record.KindObservation, connector.Filters{"status": "final"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := connector.Drain(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("filtered: got %d, want 2", len(recs))
	}

	it, err = c.FetchResources(ctx, record.KindObservation, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	recs, err = connector.Drain(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("limited: got %d, want 1", len(recs))
	}
}

func TestConnector_FetchResourcesUnsupported(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := c.FetchResources(ctx, record.KindImmunization, nil, 0)
	if !errors.Is(err, connector.ErrUnsupportedResource) {
		t.Errorf("err = %v, want ErrUnsupportedResource", err)
	}
}

func TestConnector_FetchResourcesNotConnected(t *testing.T) {
	c := New(newTestExport(t))
	_, err := c.FetchResources(context.Background(), record.KindPatient, nil, 0)
	if !errors.Is(err, connector.ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestConnector_FetchPatientBundle(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	bundle, err := c.FetchPatientBundle(ctx, "p1")
	if err != nil {
		t.Fatalf("FetchPatientBundle: %v", err)
	}
	// p1's Patient record plus o1 and o3.
	if len(bundle.Resources) != 3 {
		t.Fatalf("got %d resources, want 3", len(bundle.Resources))
	}
	if bundle.PatientID != "p1" {
		t.Errorf("PatientID = %q", bundle.PatientID)
	}
}

func TestConnector_FetchPatientBundleNotFound(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := c.FetchPatientBundle(ctx, "ghost")
	if !errors.Is(err, connector.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConnector_FetchPatientIDs(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	ids, err := c.FetchPatientIDs(ctx, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Errorf("ids = %v", ids)
	}

	ids, err = c.FetchPatientIDs(ctx, connector.Filters{"gender": "male"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "p2" {
		t.Errorf("filtered ids = %v", ids)
	}
}

func TestConnector_DisconnectThenFetch(t *testing.T) {
	c := New(newTestExport(t))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	// Disconnect twice is safe.
	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := c.AvailableResources(ctx); !errors.Is(err, connector.ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}
