// ABOUTME: Tests for the anonymous/authenticated policy decision
// ABOUTME: Covers defaults, exact matching, and the fail-closed missing-method case

package policy

import (
	"sort"
	"testing"
)

func TestDecide_DefaultExemptMethods(t *testing.T) {
	p := New(nil)

	for _, m := range DefaultExemptMethods {
		if got := p.Decide(m, true); got != AnonymousAllowed {
			t.Errorf("Decide(%q) = %v, want %v", m, got, AnonymousAllowed)
		}
	}
}

func TestDecide_RequiresAuthentication(t *testing.T) {
	p := New(nil)

	tests := []struct {
		name   string
		method string
		ok     bool
	}{
		{name: "tools/call", method: "tools/call", ok: true},
		{name: "resources/read", method: "resources/read", ok: true},
		{name: "no method", method: "", ok: false},
		{name: "empty method", method: "", ok: true},
		{name: "uppercase variant", method: "TOOLS/LIST", ok: true},
		{name: "prefix of exempt", method: "tools/", ok: true},
		{name: "exempt as prefix", method: "tools/list/all", ok: true},
		{name: "trailing space", method: "tools/list ", ok: true},
		{name: "exempt name without method flag", method: "tools/list", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.method, tt.ok); got != AuthenticationRequired {
				t.Errorf("Decide(%q, %v) = %v, want %v", tt.method, tt.ok, got, AuthenticationRequired)
			}
		})
	}
}

func TestNew_CustomExemptSet(t *testing.T) {
	p := New([]string{"ping"})

	if got := p.Decide("ping", true); got != AnonymousAllowed {
		t.Errorf("Decide(ping) = %v, want %v", got, AnonymousAllowed)
	}
	if got := p.Decide("tools/list", true); got != AuthenticationRequired {
		t.Errorf("Decide(tools/list) = %v, want %v once removed from the exempt set", got, AuthenticationRequired)
	}
}

func TestNew_EmptyExemptSet(t *testing.T) {
	p := New([]string{})

	if got := p.Decide("initialize", true); got != AuthenticationRequired {
		t.Errorf("Decide(initialize) = %v, want %v with an empty exempt set", got, AuthenticationRequired)
	}
}

func TestExemptMethods(t *testing.T) {
	got := New(nil).ExemptMethods()
	sort.Strings(got)

	want := append([]string(nil), DefaultExemptMethods...)
	sort.Strings(want)

	if len(got) != len(want) {
		t.Fatalf("ExemptMethods() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ExemptMethods()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDecision_String(t *testing.T) {
	if AnonymousAllowed.String() != "anonymous_allowed" {
		t.Errorf("AnonymousAllowed.String() = %q", AnonymousAllowed.String())
	}
	if AuthenticationRequired.String() != "authentication_required" {
		t.Errorf("AuthenticationRequired.String() = %q", AuthenticationRequired.String())
	}
}
