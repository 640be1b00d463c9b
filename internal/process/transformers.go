package process

import (
	"context"
	"fmt"

	"github.com/careledger/careledger/internal/domain/record"
)

// transformGeneric is the default arm of the dispatch table: structural
// normalization only, no failure. It guarantees the payload carries
// resourceType and id so every sink receives a uniform envelope.
func transformGeneric(_ context.Context, res *record.AnonymizedRecord) (map[string]any, error) {
	payload := make(map[string]any, len(res.Fields)+2)
	for k, v := range res.Fields {
		payload[k] = v
	}
	payload["resourceType"] = string(res.Kind)
	if _, ok := payload["id"]; !ok && res.ID != "" {
		payload["id"] = res.ID
	}

	// The meta map is copied before tagging: the payload's top-level copy
	// still shares nested maps with the anonymized record, which stays
	// immutable once produced.
	meta := make(map[string]any, 1)
	if existing, ok := payload["meta"].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	if _, ok := meta["pipeline"]; !ok {
		meta["pipeline"] = "careledger"
	}
	payload["meta"] = meta
	return payload, nil
}

// transformPatient verifies de-identification held before the record leaves
// the pipeline: a Patient payload carrying a name or birth date at this
// stage is a processing failure, not something to pass through.
func transformPatient(ctx context.Context, res *record.AnonymizedRecord) (map[string]any, error) {
	for _, forbidden := range []string{"name", "telecom", "birthDate"} {
		if _, ok := res.Fields[forbidden]; ok {
			return nil, fmt.Errorf("identifying field %q survived anonymization", forbidden)
		}
	}
	if res.PseudonymID == "" {
		return nil, fmt.Errorf("patient record without pseudonym")
	}
	return transformGeneric(ctx, res)
}

// transformObservation flattens the FHIR valueQuantity into top-level
// value/unit fields the analytic sinks expect. Observations without a
// quantity pass through unchanged.
func transformObservation(ctx context.Context, res *record.AnonymizedRecord) (map[string]any, error) {
	payload, err := transformGeneric(ctx, res)
	if err != nil {
		return nil, err
	}

	q, ok := payload["valueQuantity"].(map[string]any)
	if !ok {
		return payload, nil
	}
	if v, ok := q["value"]; ok {
		payload["value"] = v
	}
	if u, ok := q["unit"].(string); ok {
		payload["unit"] = u
	}
	delete(payload, "valueQuantity")
	return payload, nil
}

// transformEncounter keeps the visit window at day granularity and drops
// location details finer than the facility.
func transformEncounter(ctx context.Context, res *record.AnonymizedRecord) (map[string]any, error) {
	payload, err := transformGeneric(ctx, res)
	if err != nil {
		return nil, err
	}
	delete(payload, "location")
	return payload, nil
}
