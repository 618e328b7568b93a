// Package audit records one structured entry per gated request.
//
// The gate hands each Record to a Recorder and moves on. Logger, the
// production Recorder, queues records on a bounded channel and a single
// worker writes them to every configured Sink:
//
//   - SlogSink: one JSON line per record on a dedicated slog.Logger
//   - StoreSink: a row in the SQLite audit_log table
//
// Record never blocks and never fails the request. A full queue drops the
// record and a failing or panicking sink is logged; both are counted in
// metrics so a silent audit gap is visible.
package audit
