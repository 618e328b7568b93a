// Package mcp implements the Model Context Protocol endpoint that the
// authentication gate forwards to.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over the Streamable HTTP transport:
//
//   - POST /mcp - initialize, notifications, ping, tools/list, tools/call
//   - DELETE /mcp - terminate the session named by Mcp-Session-Id
//
// initialize creates a session and returns its id in the Mcp-Session-Id
// header; every later request must carry it. Notifications are accepted
// with 202 and no body.
//
// # Authentication
//
// The server never looks at credentials. The gate verifies the bearer token
// and attaches an *auth.Identity to the request context; handlers read it
// with auth.IdentityFromContext. tools/call refuses to run without one, so
// the dispatcher stays closed even when the gate's exempt set is widened by
// mistake. Tools may declare RequiredScopes, matched against the token's
// scope claim.
//
// # Tools
//
// Tools run in-process from a Registry. BuiltinTools provides whoami and
// echo; AuditTool exposes the caller's own audit trail.
package mcp
