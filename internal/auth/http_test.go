// ABOUTME: Tests for bearer extraction, challenge headers, and resource metadata
// ABOUTME: Absent and malformed Authorization headers must map to distinct kinds

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name      string
		values    []string
		wantToken string
		wantKind  Kind
	}{
		{name: "valid", values: []string{"Bearer abc.def.ghi"}, wantToken: "abc.def.ghi"},
		{name: "lowercase scheme", values: []string{"bearer abc"}, wantToken: "abc"},
		{name: "extra spaces", values: []string{"  Bearer   abc  "}, wantToken: "abc"},
		{name: "absent", values: nil, wantKind: KindMissingToken},
		{name: "empty value", values: []string{""}, wantKind: KindMissingToken},
		{name: "basic scheme", values: []string{"Basic dXNlcjpwYXNz"}, wantKind: KindMalformedAuthHeader},
		{name: "scheme only", values: []string{"Bearer"}, wantKind: KindMalformedAuthHeader},
		{name: "scheme and blank", values: []string{"Bearer    "}, wantKind: KindMalformedAuthHeader},
		{name: "token without scheme", values: []string{"abc.def.ghi"}, wantKind: KindMalformedAuthHeader},
		{name: "two tokens", values: []string{"Bearer abc def"}, wantKind: KindMalformedAuthHeader},
		{name: "two headers", values: []string{"Bearer abc", "Bearer def"}, wantKind: KindMalformedAuthHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.values {
				h.Add("Authorization", v)
			}

			token, err := ExtractBearer(h)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("ExtractBearer() error = %v", err)
				}
				if token != tt.wantToken {
					t.Errorf("ExtractBearer() = %q, want %q", token, tt.wantToken)
				}
				return
			}

			var ve *VerifyError
			if !errors.As(err, &ve) {
				t.Fatalf("ExtractBearer() error = %v, want *VerifyError", err)
			}
			if ve.Kind != tt.wantKind {
				t.Errorf("ExtractBearer() kind = %s, want %s", ve.Kind, tt.wantKind)
			}
		})
	}
}

func TestChallenge(t *testing.T) {
	const md = "https://mcp.example/.well-known/oauth-protected-resource"

	tests := []struct {
		name         string
		url          string
		invalidToken bool
		want         string
	}{
		{"missing credentials", md, false, `Bearer resource_metadata="` + md + `"`},
		{"rejected credentials", md, true, `Bearer error="invalid_token", resource_metadata="` + md + `"`},
		{"no metadata", "", false, "Bearer"},
		{"no metadata rejected", "", true, `Bearer error="invalid_token"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Challenge(tt.url, tt.invalidToken); got != tt.want {
				t.Errorf("Challenge() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fail(KindExpiredToken, nil)); got != KindExpiredToken {
		t.Errorf("KindOf() = %s, want %s", got, KindExpiredToken)
	}
	if got := KindOf(errors.New("other")); got != KindMalformedToken {
		t.Errorf("KindOf(foreign) = %s, want %s", got, KindMalformedToken)
	}
}

func TestMetadataURL(t *testing.T) {
	if got, want := MetadataURL("https://mcp.example/"), "https://mcp.example/.well-known/oauth-protected-resource"; got != want {
		t.Errorf("MetadataURL() = %q, want %q", got, want)
	}
	if got := MetadataURL(""); got != "" {
		t.Errorf("MetadataURL(\"\") = %q, want empty", got)
	}
}

func TestMetadataHandler(t *testing.T) {
	h := MetadataHandler(ResourceMetadata{
		Resource:             "https://mcp.example/mcp",
		AuthorizationServers: []string{"https://tenant.auth.example/"},
		ScopesSupported:      []string{"openid"},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetadataPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got ResourceMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Resource != "https://mcp.example/mcp" {
		t.Errorf("resource = %q", got.Resource)
	}
	if len(got.BearerMethodsSupported) != 1 || got.BearerMethodsSupported[0] != "header" {
		t.Errorf("bearer_methods_supported = %v, want [header]", got.BearerMethodsSupported)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, MetadataPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}
