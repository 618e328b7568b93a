// ABOUTME: Test helpers that mint signing keys, JWKS documents, and signed tokens
// ABOUTME: Serves key sets from an httptest server with controllable failures

// Package keystest provides in-process identity provider fixtures for tests.
package keystest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer is a private key that signs tokens and publishes its public half.
type Signer struct {
	KeyID  string
	Alg    string
	Use    string
	priv   crypto.Signer
	method jwt.SigningMethod
}

// NewRSA generates a 2048-bit RS256 signer.
func NewRSA(t testing.TB, kid string) *Signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	return &Signer{KeyID: kid, Alg: "RS256", Use: "sig", priv: priv, method: jwt.SigningMethodRS256}
}

// NewECDSA generates a P-256 ES256 signer.
func NewECDSA(t testing.TB, kid string) *Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	return &Signer{KeyID: kid, Alg: "ES256", Use: "sig", priv: priv, method: jwt.SigningMethodES256}
}

// Public returns the public key.
func (s *Signer) Public() crypto.PublicKey {
	return s.priv.Public()
}

// Sign returns a compact JWS over claims with the signer's kid in the header.
func (s *Signer) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(s.method, claims)
	if s.KeyID != "" {
		tok.Header["kid"] = s.KeyID
	}
	signed, err := tok.SignedString(s.priv)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

// JWK returns the public key as a JSON Web Key object.
func (s *Signer) JWK() map[string]any {
	b64 := base64.RawURLEncoding.EncodeToString
	jwk := map[string]any{}
	switch pub := s.priv.Public().(type) {
	case *rsa.PublicKey:
		jwk["kty"] = "RSA"
		jwk["n"] = b64(pub.N.Bytes())
		jwk["e"] = b64(big.NewInt(int64(pub.E)).Bytes())
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		jwk["kty"] = "EC"
		jwk["crv"] = pub.Curve.Params().Name
		jwk["x"] = b64(pub.X.FillBytes(make([]byte, size)))
		jwk["y"] = b64(pub.Y.FillBytes(make([]byte, size)))
	}
	if s.KeyID != "" {
		jwk["kid"] = s.KeyID
	}
	if s.Alg != "" {
		jwk["alg"] = s.Alg
	}
	if s.Use != "" {
		jwk["use"] = s.Use
	}
	return jwk
}

// JWKS encodes the signers' public keys as a key set document.
func JWKS(signers ...*Signer) []byte {
	keys := make([]map[string]any, 0, len(signers))
	for _, s := range signers {
		keys = append(keys, s.JWK())
	}
	data, _ := json.Marshal(map[string]any{"keys": keys})
	return data
}

// Server serves a key set and counts fetches.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	body   []byte
	status int
	delay  time.Duration
	hits   atomic.Int64
}

// NewServer starts a key set server publishing the given signers. It is
// closed when the test ends.
func NewServer(t testing.TB, signers ...*Signer) *Server {
	t.Helper()
	s := &Server{body: JWKS(signers...), status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)

	s.mu.Lock()
	body, status, delay := s.body, s.status, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// SetSigners replaces the published key set.
func (s *Server) SetSigners(signers ...*Signer) {
	s.SetBody(JWKS(signers...))
}

// SetBody replaces the raw response body.
func (s *Server) SetBody(body []byte) {
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
}

// SetStatus sets the response status code.
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

// SetDelay makes every response wait before being written.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Hits returns how many times the key set was fetched.
func (s *Server) Hits() int64 {
	return s.hits.Load()
}
