// Package auth verifies bearer tokens presented to the gated MCP endpoint.
//
// # Bearer Extraction
//
// ExtractBearer reads the Authorization header. An absent header and a
// header that is not of the form "Bearer <token>" are reported as distinct
// kinds so the audit trail can tell them apart:
//
//	token, err := ExtractBearer(r.Header)
//	// KindMissingToken, KindMalformedAuthHeader
//
// # Token Verification
//
// JWTVerifier checks a JWT against keys published by the trusted issuers:
//
//   - Signature: the token's kid is resolved through a KeyProvider (normally
//     a keys.Cache). Only the configured algorithms are accepted, and a key
//     that declares its own alg must match the token header.
//   - Time: exp is required and must be in the future; nbf, when present,
//     must be in the past. Both honour the configured leeway.
//   - Audience: aud may be a string or an array. At least one value must be
//     in the configured audience set.
//   - Subject: sub must be present.
//
// Every failure is a *VerifyError carrying a Kind. The kind is for audit and
// metrics only; clients receive the same generic challenge for all of them.
//
// # Identity
//
// A successful verification yields an *Identity. Its fields are unexported
// and its accessors return copies, so handlers downstream of the gate cannot
// alter what was verified. Identities travel through the request context:
//
//	ctx = WithIdentity(ctx, id)
//	id := IdentityFromContext(ctx) // nil when the request was anonymous
//
// # Protected Resource Metadata
//
// MetadataHandler serves the OAuth 2.0 protected resource metadata document
// that the WWW-Authenticate challenge points clients to.
package auth
