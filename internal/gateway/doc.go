// Package gateway assembles and runs the mcpgate server.
//
// New builds every component from a config.Config: the signing key cache,
// the JWT verifier, the audit logger and its sinks, the MCP dispatcher,
// and the gate in front of it. Run serves HTTP on a TCP address or, when
// tailscale is enabled, on a tsnet listener, and blocks until its context
// ends.
//
// Routes:
//
//   - /health - liveness, always 200
//   - /health/ready - 200 once every issuer's keys have loaded
//   - /.well-known/oauth-protected-resource - RFC 9728 metadata
//   - /metrics - Prometheus metrics, when enabled
//   - /mcp - the MCP endpoint, behind the gate
//
// Shutdown stops accepting requests, waits for in-flight ones, stops the
// key refresh loop, then drains the audit queue before closing the store.
package gateway
