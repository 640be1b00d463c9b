package fhirapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/connector"
	"github.com/careledger/careledger/internal/domain/record"
)

func capability(types ...string) map[string]any {
	resources := make([]map[string]any, 0, len(types))
	for _, t := range types {
		resources = append(resources, map[string]any{"type": t})
	}
	return map[string]any{
		"resourceType": "CapabilityStatement",
		"rest":         []map[string]any{{"resource": resources}},
	}
}

func searchBundle(next string, resources ...map[string]any) map[string]any {
	entries := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	b := map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(entries),
		"entry":        entries,
	}
	if next != "" {
		b["link"] = []map[string]any{{"relation": "next", "url": next}}
	}
	return b
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/fhir+json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatal(err)
	}
}

func newTestConnector(t *testing.T, handler http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, RetryCount: 1}, zerolog.Nop())
}

func TestConnector_Connect(t *testing.T) {
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, capability("Patient", "Observation", "NotARealType"))
	}))

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	kinds, err := c.AvailableResources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 2 {
		t.Fatalf("got %d kinds, want 2: %v", len(kinds), kinds)
	}
	if kinds[0] != record.KindPatient || kinds[1] != record.KindObservation {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestConnector_ConnectServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{BaseURL: url, RetryCount: 1}, zerolog.Nop())
	err := c.Connect(context.Background())
	if !errors.Is(err, connector.ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestConnector_FetchResourcesPaging(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, capability("Observation"))
	})
	mux.HandleFunc("/Observation", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, searchBundle(srvURL+"/page2",
			map[string]any{"resourceType": "Observation", "id": "o1"},
			map[string]any{"resourceType": "Observation", "id": "o2"},
		))
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, searchBundle("",
			map[string]any{"resourceType": "Observation", "id": "o3"},
		))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := New(Options{BaseURL: srv.URL, RetryCount: 1}, zerolog.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.FetchResources(ctx, record.KindObservation, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := connector.Drain(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[2].ID != "o3" {
		t.Errorf("last record = %+v", recs[2])
	}

	// Reset restarts from the first page.
	if err := it.Reset(); err != nil {
		t.Fatal(err)
	}
	first, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "o1" {
		t.Errorf("after Reset got %q, want o1", first.ID)
	}
}

func TestConnector_FetchResourcesLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, capability("Patient"))
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, searchBundle("",
			map[string]any{"resourceType": "Patient", "id": "p1"},
			map[string]any{"resourceType": "Patient", "id": "p2"},
			map[string]any{"resourceType": "Patient", "id": "p3"},
		))
	})

	c := newTestConnector(t, mux)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := c.FetchResources(ctx, record.KindPatient, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := connector.Drain(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want 2", len(recs))
	}
}

func TestConnector_FetchResourcesUnsupported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, capability("Patient"))
	})

	c := newTestConnector(t, mux)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := c.FetchResources(ctx, record.KindDevice, nil, 0)
	if !errors.Is(err, connector.ErrUnsupportedResource) {
		t.Errorf("err = %v, want ErrUnsupportedResource", err)
	}
}

func TestConnector_FetchPatientBundle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, capability("Patient"))
	})
	mux.HandleFunc("/Patient/p1/$everything", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, searchBundle("",
			map[string]any{"resourceType": "Patient", "id": "p1"},
			map[string]any{"resourceType": "Observation", "id": "o1"},
		))
	})
	mux.HandleFunc("/Patient/ghost/$everything", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	c := newTestConnector(t, mux)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	bundle, err := c.FetchPatientBundle(ctx, "p1")
	if err != nil {
		t.Fatalf("FetchPatientBundle: %v", err)
	}
	if len(bundle.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(bundle.Resources))
	}
	if bundle.Resources[1].Kind != record.KindObservation {
		t.Errorf("second resource kind = %v", bundle.Resources[1].Kind)
	}

	_, err = c.FetchPatientBundle(ctx, "ghost")
	if !errors.Is(err, connector.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConnector_FetchPatientIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, capability("Patient"))
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("gender"); got != "female" {
			t.Errorf("gender param = %q, want female", got)
		}
		writeJSON(t, w, searchBundle("",
			map[string]any{"resourceType": "Patient", "id": "p1"},
			map[string]any{"resourceType": "Patient", "id": "p4"},
		))
	})

	c := newTestConnector(t, mux)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	ids, err := c.FetchPatientIDs(ctx, connector.Filters{"gender": "female"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids) != "[p1 p4]" {
		t.Errorf("ids = %v", ids)
	}
}
