// ABOUTME: Bearer token extraction and WWW-Authenticate challenge construction
// ABOUTME: Distinguishes an absent Authorization header from a malformed one

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	errMultipleHeaders = errors.New("multiple authorization headers")
	errNotBearer       = errors.New("authorization scheme is not Bearer")
	errBadToken        = errors.New("bearer token is empty or contains whitespace")
)

// ExtractBearer returns the token from the request's Authorization header.
// The scheme is matched case-insensitively.
func ExtractBearer(h http.Header) (string, error) {
	values := h.Values("Authorization")
	switch len(values) {
	case 0:
		return "", fail(KindMissingToken, nil)
	case 1:
	default:
		return "", fail(KindMalformedAuthHeader, errMultipleHeaders)
	}

	value := strings.TrimSpace(values[0])
	if value == "" {
		return "", fail(KindMissingToken, nil)
	}

	scheme, token, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", fail(KindMalformedAuthHeader, errNotBearer)
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", fail(KindMalformedAuthHeader, errBadToken)
	}
	return token, nil
}

// Challenge builds the WWW-Authenticate value for a 401. invalidToken adds
// error="invalid_token" for credentials that were presented but rejected.
func Challenge(metadataURL string, invalidToken bool) string {
	var parts []string
	if invalidToken {
		parts = append(parts, `error="invalid_token"`)
	}
	if metadataURL != "" {
		parts = append(parts, fmt.Sprintf("resource_metadata=%q", metadataURL))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}
