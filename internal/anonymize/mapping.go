package anonymize

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PatientMapping is the bidirectional real-id to pseudonym table for one
// extraction context. The table is owned exclusively by its context and dies
// with it; two contexts never share a mapping, so identifiers cannot leak
// across hospital boundaries. All writers are serialized behind one mutex so
// the same real identifier can never be allocated two pseudonyms.
type PatientMapping struct {
	contextID uuid.UUID
	key       []byte

	mu           sync.Mutex
	realToPseudo map[string]string
	pseudoToReal map[string]string
}

// NewPatientMapping creates an empty mapping for the given context with a
// fresh random derivation key, so pseudonyms from different contexts are
// unrelated even for the same real identifier.
func NewPatientMapping(contextID uuid.UUID) (*PatientMapping, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate mapping key: %w", err)
	}
	return &PatientMapping{
		contextID:    contextID,
		key:          key,
		realToPseudo: make(map[string]string),
		pseudoToReal: make(map[string]string),
	}, nil
}

// ContextID returns the context this mapping belongs to.
func (m *PatientMapping) ContextID() uuid.UUID {
	return m.contextID
}

// Pseudonym returns the stable pseudonym for a real identifier, allocating
// one on first use. The table is consulted first, so derivation runs at most
// once per real identifier.
func (m *PatientMapping) Pseudonym(realID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.realToPseudo[realID]; ok {
		return p
	}
	p := m.derive(realID)
	m.realToPseudo[realID] = p
	m.pseudoToReal[p] = realID
	return p
}

// RealID resolves a pseudonym back to the real identifier, if this context
// allocated it.
func (m *PatientMapping) RealID(pseudonym string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	real, ok := m.pseudoToReal[pseudonym]
	return real, ok
}

// Len returns the number of allocated pseudonyms.
func (m *PatientMapping) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.realToPseudo)
}

// derive computes HMAC-SHA256(contextKey, realID) and renders the first 16
// bytes as a UUID so pseudonyms look like ordinary resource identifiers.
// Deterministic within a context, unrelated across contexts.
func (m *PatientMapping) derive(realID string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(realID))
	sum := mac.Sum(nil)

	var raw [16]byte
	copy(raw[:], sum[:16])
	raw[6] = (raw[6] & 0x0f) | 0x40 // version 4
	raw[8] = (raw[8] & 0x3f) | 0x80 // RFC 4122 variant

	id, err := uuid.FromBytes(raw[:])
	if err != nil {
		// 16 bytes always form a valid UUID; this cannot happen.
		panic(err)
	}
	return id.String()
}
