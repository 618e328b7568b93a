// ABOUTME: Two-tier authentication middleware in front of the MCP dispatcher
// ABOUTME: Buffers the body, classifies, decides, verifies, forwards, and audits once

package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcpgate/internal/audit"
	"github.com/2389/mcpgate/internal/auth"
	"github.com/2389/mcpgate/internal/metrics"
	"github.com/2389/mcpgate/internal/policy"
	"github.com/2389/mcpgate/internal/rpc"
)

// DefaultMaxBodyBytes caps a request body when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Body failure reasons recorded alongside the auth.Kind values.
const (
	ReasonPayloadTooLarge = "PayloadTooLarge"
	ReasonBodyReadFailed  = "BodyReadFailed"
)

// RequestIDHeader carries the audit request id back to the client.
const RequestIDHeader = "X-Request-Id"

// Config configures a Gate.
type Config struct {
	Policy   *policy.Policy
	Verifier auth.TokenVerifier
	Recorder audit.Recorder

	// MaxBodyBytes caps the buffered body. Zero selects DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// BodyReadTimeout bounds reading the body. Zero disables the deadline.
	BodyReadTimeout time.Duration
	// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
	ResourceMetadataURL string

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now and NewRequestID override the clock and id source in tests.
	Now          func() time.Time
	NewRequestID func() string
}

// Gate is the authentication middleware.
type Gate struct {
	policy          *policy.Policy
	verifier        auth.TokenVerifier
	recorder        audit.Recorder
	maxBodyBytes    int64
	bodyReadTimeout time.Duration
	metadataURL     string
	logger          *slog.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
	newRequestID    func() string
}

// New creates a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Policy == nil {
		return nil, errors.New("policy is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if cfg.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("max body bytes must not be negative, got %d", cfg.MaxBodyBytes)
	}

	g := &Gate{
		policy:          cfg.Policy,
		verifier:        cfg.Verifier,
		recorder:        cfg.Recorder,
		maxBodyBytes:    cfg.MaxBodyBytes,
		bodyReadTimeout: cfg.BodyReadTimeout,
		metadataURL:     cfg.ResourceMetadataURL,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		now:             cfg.Now,
		newRequestID:    cfg.NewRequestID,
	}
	if g.maxBodyBytes == 0 {
		g.maxBodyBytes = DefaultMaxBodyBytes
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gate")
	if g.now == nil {
		g.now = time.Now
	}
	if g.newRequestID == nil {
		g.newRequestID = func() string { return uuid.New().String() }
	}
	return g, nil
}

// exchange tracks one request through the gate.
type exchange struct {
	state    State
	record   audit.Record
	emitted  bool
	panicked bool // the dispatcher panicked after the gate forwarded
}

func (g *Gate) advance(ex *exchange, next State) {
	if !ex.state.CanTransition(next) {
		g.logger.Error("illegal gate transition", "request_id", ex.record.RequestID, "from", ex.state, "to", next)
	}
	ex.state = next
}

// Middleware wraps next, the dispatcher, with the gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex := &exchange{
			state: StateReceived,
			record: audit.Record{
				RequestID: g.newRequestID(),
				Timestamp: g.now().UTC(),
			},
		}
		sw := &statusWriter{ResponseWriter: w}
		defer g.finish(ex, sw)

		w.Header().Set(RequestIDHeader, ex.record.RequestID)

		body, status, reason := g.readBody(w, r)
		if reason != "" {
			g.advance(ex, StateRejected)
			g.reject(sw, ex, nil, reason, status, "")
			return
		}

		env := rpc.Classify(body)
		g.advance(ex, StateClassified)
		method, ok := env.Method()
		if ok {
			ex.record.Method = &method
		}

		decision := g.policy.Decide(method, ok)
		g.advance(ex, StateDecided)

		if decision == policy.AnonymousAllowed {
			ex.record.Outcome = audit.OutcomeAnonymousAllowed
			g.dispatch(r.Context(), next, sw, r, body, ex)
			return
		}

		token, err := auth.ExtractBearer(r.Header)
		if err != nil {
			g.advance(ex, StateRejected)
			g.reject(sw, ex, env.ID(), string(auth.KindOf(err)), http.StatusUnauthorized, auth.Challenge(g.metadataURL, false))
			return
		}

		id, err := g.verifier.Verify(r.Context(), token)
		if err != nil {
			g.advance(ex, StateRejected)
			g.reject(sw, ex, env.ID(), string(auth.KindOf(err)), http.StatusUnauthorized, auth.Challenge(g.metadataURL, true))
			return
		}

		g.advance(ex, StateValidated)
		ex.record.Outcome = audit.OutcomeAuthenticated
		ex.record.Subject = id.Subject()
		ex.record.Audiences = id.Audiences()
		g.dispatch(auth.WithIdentity(r.Context(), id), next, sw, r, body, ex)
	})
}

// readBody buffers the request body. A non-empty reason means the request
// must be rejected with status.
func (g *Gate) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, string) {
	if r.ContentLength > g.maxBodyBytes {
		return nil, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge
	}
	if r.Body == nil {
		return []byte{}, 0, ""
	}

	if g.bodyReadTimeout > 0 {
		rc := http.NewResponseController(w)
		if err := rc.SetReadDeadline(time.Now().Add(g.bodyReadTimeout)); err == nil {
			defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge
		}
		g.logger.Debug("body read failed", "error", err)
		return nil, http.StatusBadRequest, ReasonBodyReadFailed
	}
	return body, 0, ""
}

func (g *Gate) dispatch(ctx context.Context, next http.Handler, w *statusWriter, r *http.Request, body []byte, ex *exchange) {
	g.advance(ex, StateDispatched)

	fwd := r.Clone(withRequestID(ctx, ex.record.RequestID))
	fwd.Body = io.NopCloser(bytes.NewReader(body))
	fwd.ContentLength = int64(len(body))
	fwd.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	defer func() {
		if p := recover(); p != nil {
			ex.panicked = true
			panic(p)
		}
	}()
	next.ServeHTTP(w, fwd)
}

func (g *Gate) reject(w *statusWriter, ex *exchange, id json.RawMessage, reason string, status int, challenge string) {
	ex.record.Outcome = audit.OutcomeRejected
	ex.record.RejectReason = reason

	if challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
	}

	code, message := rpc.CodeUnauthorized, "Unauthorized"
	switch status {
	case http.StatusRequestEntityTooLarge:
		code, message = rpc.CodeInvalidRequest, "Request body too large"
	case http.StatusBadRequest:
		code, message = rpc.CodeParseError, "Failed to read request body"
	}
	if err := rpc.WriteError(w, status, id, code, message); err != nil {
		g.logger.Debug("writing rejection failed", "request_id", ex.record.RequestID, "error", err)
	}
}

// finish emits the audit record. It runs exactly once per request, also when
// the dispatcher panics, in which case the record keeps the gate's outcome
// with status 500.
func (g *Gate) finish(ex *exchange, w *statusWriter) {
	if ex.emitted {
		return
	}
	ex.emitted = true

	ex.record.Status = w.Status()
	if ex.panicked {
		// net/http aborts the connection; the client never sees the status.
		ex.record.Status = http.StatusInternalServerError
		g.logger.Error("dispatcher panicked", "request_id", ex.record.RequestID, "outcome", ex.record.Outcome)
	}
	if !ex.state.Terminal() {
		// A panic interrupted the gate before it reached a terminal state.
		ex.record.Outcome = audit.OutcomeRejected
		ex.record.RejectReason = "Internal"
	}

	g.recorder.Record(ex.record)
	g.metrics.ObserveRequest(string(ex.record.Outcome), ex.record.RejectReason)

	attrs := []any{
		"request_id", ex.record.RequestID,
		"outcome", ex.record.Outcome,
		"status", ex.record.Status,
	}
	if ex.record.Method != nil {
		attrs = append(attrs, "method", *ex.record.Method)
	}
	if ex.record.Outcome == audit.OutcomeRejected {
		attrs = append(attrs, "reason", ex.record.RejectReason)
		g.logger.Warn("request rejected", attrs...)
		return
	}
	if ex.record.Subject != "" {
		attrs = append(attrs, "subject", ex.record.Subject)
	}
	g.logger.Debug("request dispatched", attrs...)
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the audit request id of a dispatched request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
