// ABOUTME: JWT verification against issuer-published keys
// ABOUTME: Checks signature, algorithm, expiry, not-before, audience, and subject

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/mcpgate/internal/keys"
)

// DefaultAlgorithms are accepted when no algorithms are configured.
var DefaultAlgorithms = []string{"RS256"}

var (
	errMissingIssuer  = errors.New("token has no iss claim")
	errMissingKeyID   = errors.New("token header has no kid")
	errAlgMismatch    = errors.New("token alg does not match key alg")
	errMissingSubject = errors.New("token has no sub claim")
	errNoAudience     = errors.New("no accepted audience in token")
)

// TokenVerifier defines the interface for token verification.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// KeyProvider resolves signing keys for trusted issuers.
type KeyProvider interface {
	Trusts(issuer string) bool
	Lookup(ctx context.Context, issuer, kid string) (keys.Key, error)
}

// VerifierConfig configures a JWTVerifier.
type VerifierConfig struct {
	Keys       KeyProvider
	Audiences  []string
	Algorithms []string
	Leeway     time.Duration
	Logger     *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// JWTVerifier implements TokenVerifier for asymmetrically signed JWTs.
type JWTVerifier struct {
	keys      KeyProvider
	audiences map[string]struct{}
	parser    *jwt.Parser
	logger    *slog.Logger
}

// NewJWTVerifier creates a verifier. At least one audience is required.
func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	if cfg.Keys == nil {
		return nil, errors.New("key provider is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}

	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	for _, alg := range algs {
		m := jwt.GetSigningMethod(alg)
		if m == nil || m == jwt.SigningMethodNone {
			return nil, fmt.Errorf("unsupported algorithm %q", alg)
		}
		if _, hmac := m.(*jwt.SigningMethodHMAC); hmac {
			return nil, fmt.Errorf("symmetric algorithm %q is not allowed", alg)
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	audiences := make(map[string]struct{}, len(cfg.Audiences))
	for _, aud := range cfg.Audiences {
		audiences[aud] = struct{}{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JWTVerifier{
		keys:      cfg.Keys,
		audiences: audiences,
		parser:    jwt.NewParser(opts...),
		logger:    logger.With("component", "verifier"),
	}, nil
}

// Verify validates the token and returns the identity it asserts.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	})
	if err != nil {
		kind := classify(err)
		v.logger.Debug("token rejected", "kind", kind, "error", err)
		return nil, fail(kind, err)
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fail(KindMalformedToken, err)
	}
	if !v.acceptsAny(aud) {
		return nil, fail(KindAudienceMismatch, errNoAudience)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fail(KindMalformedToken, err)
	}
	if sub == "" {
		return nil, fail(KindMalformedToken, errMissingSubject)
	}

	iss, _ := claims.GetIssuer()
	id := &Identity{
		subject:   sub,
		issuer:    iss,
		audiences: []string(aud),
		claims:    claims,
	}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		id.expiresAt = exp.Time
	}
	if iat, _ := claims.GetIssuedAt(); iat != nil {
		id.issuedAt = iat.Time
	}
	return id, nil
}

func (v *JWTVerifier) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	iss, err := token.Claims.GetIssuer()
	if err != nil || iss == "" {
		return nil, errMissingIssuer
	}
	if !v.keys.Trusts(iss) {
		return nil, keys.ErrUnknownIssuer
	}

	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errMissingKeyID
	}

	key, err := v.keys.Lookup(ctx, iss, kid)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != token.Method.Alg() {
		return nil, fmt.Errorf("%w: token %s, key %s", errAlgMismatch, token.Method.Alg(), key.Algorithm)
	}
	return key.Public, nil
}

func (v *JWTVerifier) acceptsAny(aud jwt.ClaimStrings) bool {
	for _, a := range aud {
		if _, ok := v.audiences[a]; ok {
			return true
		}
	}
	return false
}

// classify maps a parse failure to a Kind. Key lookup errors are checked
// first since the parser wraps them in ErrTokenUnverifiable.
func classify(err error) Kind {
	switch {
	case errors.Is(err, keys.ErrRefreshTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindKeyRefreshTimeout
	case errors.Is(err, keys.ErrUnknownIssuer),
		errors.Is(err, keys.ErrUnknownKey),
		errors.Is(err, errMissingIssuer),
		errors.Is(err, errMissingKeyID):
		return KindUnknownIssuer
	case errors.Is(err, errAlgMismatch),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return KindInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return KindMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return KindExpiredToken
	default:
		return KindMalformedToken
	}
}
