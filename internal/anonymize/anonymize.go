// Package anonymize maps real patient identifiers to stable pseudonyms and
// strips or downgrades identifying fields per resource kind, leaving
// clinical substance untouched. The mapping table is context-scoped: the
// same real identifier always resolves to the same pseudonym within one
// context, and never deliberately matches across contexts.
package anonymize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/careledger/careledger/internal/domain/record"
)

// Anonymizer produces AnonymizedRecords from ResourceRecords using one
// context's PatientMapping. It never fails on a resource missing expected
// fields; absent identifiers are treated as already absent.
type Anonymizer struct {
	mapping  *PatientMapping
	policies map[record.ResourceKind]Policy
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an Anonymizer bound to one context's mapping, using the
// default per-kind policy table.
func New(mapping *PatientMapping, logger zerolog.Logger) *Anonymizer {
	return &Anonymizer{
		mapping:  mapping,
		policies: defaultPolicies,
		logger:   logger.With().Str("component", "anonymizer").Logger(),
		now:      time.Now,
	}
}

// Anonymize derives a new de-identified record. The input is never mutated.
func (a *Anonymizer) Anonymize(rec *record.ResourceRecord) (*record.AnonymizedRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("anonymize: nil resource")
	}

	fields := copyMap(rec.Fields)

	// Rewrite every reachable patient reference through the mapping first,
	// so linkage survives the field stripping below.
	pseudonym := a.rewriteReferences(rec, fields)

	policy, declared := a.policies[rec.Kind]
	if declared {
		applyPolicy(fields, policy, a.now())
	} else {
		applyPolicy(fields, Policy{Remove: heuristicRemove}, a.now())
	}

	id := rec.ID
	if rec.Kind == record.KindPatient && pseudonym != "" {
		id = pseudonym
		if _, ok := fields["id"]; ok {
			fields["id"] = pseudonym
		}
	}

	return &record.AnonymizedRecord{
		Kind:        rec.Kind,
		ID:          id,
		PseudonymID: pseudonym,
		Fields:      fields,
	}, nil
}

// rewriteReferences replaces every real patient identifier reachable in the
// record with its pseudonym and returns the pseudonym for the record's
// primary patient, or "" when the record references no patient.
func (a *Anonymizer) rewriteReferences(rec *record.ResourceRecord, fields map[string]any) string {
	primary := ""
	if rec.Kind == record.KindPatient && rec.ID != "" {
		primary = a.mapping.Pseudonym(rec.ID)
	}

	for _, key := range []string{"subject", "patient", "beneficiary"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch ref := v.(type) {
		case string:
			if realID, ok := patientRefID(ref); ok {
				p := a.mapping.Pseudonym(realID)
				fields[key] = "Patient/" + p
				if primary == "" {
					primary = p
				}
			}
		case map[string]any:
			if s, ok := ref["reference"].(string); ok {
				if realID, ok := patientRefID(s); ok {
					p := a.mapping.Pseudonym(realID)
					ref["reference"] = "Patient/" + p
					delete(ref, "display") // display text is a name
					if primary == "" {
						primary = p
					}
				}
			}
		}
	}
	return primary
}

// patientRefID extracts the real id from a "Patient/<id>" reference.
func patientRefID(ref string) (string, bool) {
	if rest, ok := strings.CutPrefix(ref, "Patient/"); ok && rest != "" {
		return rest, true
	}
	return "", false
}

// applyPolicy strips identifying fields and downgrades dates in place.
// Missing fields are simply skipped.
func applyPolicy(fields map[string]any, p Policy, now time.Time) {
	for _, f := range p.Remove {
		delete(fields, f)
	}
	for _, f := range p.AgeBand {
		if s, ok := fields[f].(string); ok {
			delete(fields, f)
			if band := ageBand(s, now); band != "" {
				fields["ageBand"] = band
			}
		}
	}
	for _, f := range p.DayOnly {
		v, ok := fields[f]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			fields[f] = dayOnly(t)
		case map[string]any:
			for k, inner := range t {
				if s, ok := inner.(string); ok {
					t[k] = dayOnly(s)
				}
			}
		}
	}
	for _, f := range p.StateOnly {
		switch t := fields[f].(type) {
		case map[string]any:
			fields[f] = stateOnly(t)
		case []any:
			out := make([]any, 0, len(t))
			for _, item := range t {
				if addr, ok := item.(map[string]any); ok {
					out = append(out, stateOnly(addr))
				}
			}
			fields[f] = out
		}
	}
}

// stateOnly reduces a FHIR address to its state and a three-digit postal
// prefix, the coarsest unit that keeps geographic analytics possible.
func stateOnly(addr map[string]any) map[string]any {
	out := make(map[string]any, 2)
	if s, ok := addr["state"].(string); ok {
		out["state"] = s
	}
	if zip, ok := addr["postalCode"].(string); ok && len(zip) >= 3 {
		out["postalCode"] = zip[:3]
	}
	return out
}

// ageBand converts an ISO date of birth to a ten-year band, capped at "90+"
// per the usual safe-harbor treatment of extreme ages. Unparseable input
// yields "" and the field is simply dropped.
func ageBand(birthDate string, now time.Time) string {
	if len(birthDate) < 4 {
		return ""
	}
	year, err := strconv.Atoi(birthDate[:4])
	if err != nil {
		return ""
	}
	age := now.Year() - year
	if age < 0 {
		return ""
	}
	if age >= 90 {
		return "90+"
	}
	lo := (age / 10) * 10
	return fmt.Sprintf("%d-%d", lo, lo+9)
}

// dayOnly truncates an ISO timestamp to its date part.
func dayOnly(ts string) string {
	if i := strings.IndexByte(ts, 'T'); i > 0 {
		return ts[:i]
	}
	return ts
}

// copyMap deep-copies a field map so the source record stays immutable.
func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return t
	}
}
