// ABOUTME: Immutable view of trusted issuers and their public keys
// ABOUTME: Updates produce a new Snapshot, the receiver is never modified

package keys

import (
	"sort"
	"time"
)

// Key is a public verification key published by an issuer.
type Key struct {
	// ID is the JWK "kid".
	ID string
	// Algorithm is the JWK "alg", empty when the key set did not declare one.
	Algorithm string
	// Public is the crypto public key (*rsa.PublicKey, *ecdsa.PublicKey or
	// ed25519.PublicKey).
	Public any
}

type issuerKeys struct {
	keys      map[string]Key
	fetchedAt time.Time
}

// Snapshot is a read-only view of every loaded issuer's keys.
type Snapshot struct {
	issuers map[string]issuerKeys
}

func emptySnapshot() *Snapshot {
	return &Snapshot{issuers: map[string]issuerKeys{}}
}

// Key returns the key with the given id for the issuer.
func (s *Snapshot) Key(issuer, kid string) (Key, bool) {
	ik, ok := s.issuers[issuer]
	if !ok {
		return Key{}, false
	}
	k, ok := ik.keys[kid]
	return k, ok
}

// Loaded reports whether the issuer's keys have been fetched at least once.
func (s *Snapshot) Loaded(issuer string) bool {
	_, ok := s.issuers[issuer]
	return ok
}

// FetchedAt returns when the issuer's keys were last replaced.
func (s *Snapshot) FetchedAt(issuer string) time.Time {
	return s.issuers[issuer].fetchedAt
}

// KeyIDs returns the issuer's key ids in sorted order.
func (s *Snapshot) KeyIDs(issuer string) []string {
	ik := s.issuers[issuer]
	ids := make([]string, 0, len(ik.keys))
	for id := range ik.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// withIssuer returns a copy of s in which issuer's keys are replaced.
func (s *Snapshot) withIssuer(issuer string, keys map[string]Key, at time.Time) *Snapshot {
	next := &Snapshot{issuers: make(map[string]issuerKeys, len(s.issuers)+1)}
	for iss, ik := range s.issuers {
		next.issuers[iss] = ik
	}
	next.issuers[issuer] = issuerKeys{keys: keys, fetchedAt: at}
	return next
}
