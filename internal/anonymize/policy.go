package anonymize

import "github.com/careledger/careledger/internal/domain/record"

// Policy declares, per resource kind, which fields are identifying and must
// be removed, which dates are downgraded, and which timestamps are kept at
// day granularity. Fields not named by any rule are clinical content and are
// preserved verbatim.
type Policy struct {
	// Remove lists top-level fields stripped entirely: names, contact
	// details, free-text addresses, document identifiers.
	Remove []string
	// AgeBand lists date-of-birth fields replaced by a ten-year age band
	// ("40-49", capped at "90+").
	AgeBand []string
	// DayOnly lists date/time fields truncated to day granularity. A field
	// holding a map (e.g. a FHIR period) has each of its string values
	// truncated.
	DayOnly []string
	// StateOnly lists address fields reduced to state plus a three-digit
	// zip prefix. Street, city, and district are dropped.
	StateOnly []string
}

// defaultPolicies is the per-kind field policy table. Kinds without an entry
// fall back to the conservative heuristic policy applied by the Anonymizer.
var defaultPolicies = map[record.ResourceKind]Policy{
	record.KindPatient: {
		Remove:    []string{"name", "telecom", "photo", "contact", "identifier", "generalPractitioner", "link"},
		AgeBand:   []string{"birthDate"},
		StateOnly: []string{"address"},
	},
	record.KindPractitioner: {
		Remove: []string{"name", "telecom", "address", "photo", "identifier", "qualification"},
	},
	record.KindEncounter: {
		Remove:  []string{"participant", "account"},
		DayOnly: []string{"period"},
	},
	record.KindObservation: {
		Remove:  []string{"performer", "note"},
		DayOnly: []string{"effectiveDateTime", "effectivePeriod", "issued"},
	},
	record.KindCondition: {
		Remove:  []string{"asserter", "recorder", "note"},
		DayOnly: []string{"onsetDateTime", "abatementDateTime", "recordedDate"},
	},
	record.KindProcedure: {
		Remove:  []string{"performer", "recorder", "asserter", "note"},
		DayOnly: []string{"performedDateTime", "performedPeriod"},
	},
	record.KindMedicationRequest: {
		Remove:  []string{"requester", "recorder", "note"},
		DayOnly: []string{"authoredOn"},
	},
	record.KindMedicationStatement: {
		Remove:  []string{"informationSource", "note"},
		DayOnly: []string{"effectiveDateTime", "effectivePeriod", "dateAsserted"},
	},
	record.KindAllergyIntolerance: {
		Remove:  []string{"recorder", "asserter", "note"},
		DayOnly: []string{"onsetDateTime", "recordedDate", "lastOccurrence"},
	},
	record.KindImmunization: {
		Remove:  []string{"performer", "note"},
		DayOnly: []string{"occurrenceDateTime", "recorded"},
	},
	record.KindDiagnosticReport: {
		Remove:  []string{"performer", "resultsInterpreter"},
		DayOnly: []string{"effectiveDateTime", "effectivePeriod", "issued"},
	},
	record.KindDocumentReference: {
		Remove:  []string{"author", "authenticator", "description"},
		DayOnly: []string{"date"},
	},
	record.KindCarePlan: {
		Remove:  []string{"author", "contributor", "note"},
		DayOnly: []string{"period", "created"},
	},
	record.KindCareTeam: {
		Remove:  []string{"participant", "name", "telecom", "note"},
		DayOnly: []string{"period"},
	},
	record.KindGoal: {
		Remove:  []string{"expressedBy", "note"},
		DayOnly: []string{"startDate", "statusDate"},
	},
	record.KindServiceRequest: {
		Remove:  []string{"requester", "performer", "note"},
		DayOnly: []string{"authoredOn", "occurrenceDateTime"},
	},
	record.KindSpecimen: {
		Remove:  []string{"collection", "note"},
		DayOnly: []string{"receivedTime"},
	},
	record.KindCoverage: {
		Remove:  []string{"subscriberId", "policyHolder", "subscriber"},
		DayOnly: []string{"period"},
	},
}

// heuristicRemove is the conservative default applied to kinds with no
// declared policy: anything that commonly carries names, contact details, or
// free text about a person is stripped.
var heuristicRemove = []string{
	"name", "telecom", "address", "contact", "photo",
	"identifier", "author", "performer", "recorder", "asserter", "note",
}

// PolicyFor returns the declared policy for a kind and whether one exists.
func PolicyFor(kind record.ResourceKind) (Policy, bool) {
	p, ok := defaultPolicies[kind]
	return p, ok
}
