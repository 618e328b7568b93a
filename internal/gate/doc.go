// Package gate is the HTTP middleware that stands between clients and the
// MCP dispatcher.
//
// Each request moves through a fixed sequence of states:
//
//	Received → Classified → Decided → Validated → Dispatched
//	                                ↘ Rejected
//	                      Decided → Dispatched (anonymous)
//
// The body is read once into a buffer capped at MaxBodyBytes. The JSON-RPC
// method is read from that buffer, the policy decides whether the method
// needs credentials, and only then is the bearer token extracted and
// verified. The dispatcher receives the original headers and the buffered
// bytes unchanged, plus an auth.Identity in the request context when the
// caller authenticated.
//
// Every request produces exactly one audit.Record, whichever way it ends.
package gate
