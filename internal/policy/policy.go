// ABOUTME: Policy gate mapping a JSON-RPC method to anonymous or authenticated access
// ABOUTME: Exempt methods come from configuration and match exactly

package policy

// Decision is the outcome of evaluating a request method against the policy.
type Decision int

const (
	// AuthenticationRequired means the caller must present a valid bearer token.
	AuthenticationRequired Decision = iota
	// AnonymousAllowed means the request may be dispatched without credentials.
	AnonymousAllowed
)

func (d Decision) String() string {
	switch d {
	case AnonymousAllowed:
		return "anonymous_allowed"
	case AuthenticationRequired:
		return "authentication_required"
	default:
		return "unknown"
	}
}

// DefaultExemptMethods are the MCP discovery operations a client needs before
// it can obtain and present a token.
var DefaultExemptMethods = []string{
	"initialize",
	"initialized",
	"notifications/initialized",
	"tools/list",
}

// Policy holds the set of methods that may be called anonymously.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	exempt map[string]struct{}
}

// New builds a policy from the given exempt methods. A nil slice selects
// DefaultExemptMethods; an empty non-nil slice exempts nothing.
func New(exemptMethods []string) *Policy {
	if exemptMethods == nil {
		exemptMethods = DefaultExemptMethods
	}
	exempt := make(map[string]struct{}, len(exemptMethods))
	for _, m := range exemptMethods {
		exempt[m] = struct{}{}
	}
	return &Policy{exempt: exempt}
}

// Decide maps a classified method to a decision. ok is false when the request
// carried no usable method, which always requires authentication.
func (p *Policy) Decide(method string, ok bool) Decision {
	if !ok {
		return AuthenticationRequired
	}
	if _, exempt := p.exempt[method]; exempt {
		return AnonymousAllowed
	}
	return AuthenticationRequired
}

// ExemptMethods returns the configured exempt methods in no particular order.
func (p *Policy) ExemptMethods() []string {
	out := make([]string, 0, len(p.exempt))
	for m := range p.exempt {
		out = append(out, m)
	}
	return out
}
