// ABOUTME: Package keys holds the trusted signing keys for each configured issuer
// ABOUTME: Snapshots are immutable and swapped atomically on refresh

// Package keys maintains the key material used to verify bearer tokens.
//
// A Cache loads one JSON Web Key Set per trusted issuer, either from an HTTP
// endpoint or from a local file, and publishes the result as an immutable
// Snapshot. Readers load the current snapshot through an atomic pointer and
// never take a lock. Refreshes build a new snapshot and swap it in, so a
// cancelled or failed refresh leaves the previous snapshot untouched.
//
// A lookup for an unknown key id waits on the issuer's refresh when one is in
// flight. Otherwise it starts one, at most once per MinRefreshInterval after
// the issuer's keys have loaded; before the first successful load every miss
// may start a fetch.
package keys
