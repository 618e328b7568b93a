// ABOUTME: Lenient JSON-RPC classifier that pulls the method name out of a raw body
// ABOUTME: Never fails; malformed or ambiguous input yields an envelope with no method

package rpc

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Envelope is the partially parsed view of a JSON-RPC request. Only the method
// and the raw id are extracted; params stay opaque.
type Envelope struct {
	method    string
	hasMethod bool
	id        json.RawMessage
}

// Method returns the request method and whether the body carried one.
func (e Envelope) Method() (string, bool) {
	return e.method, e.hasMethod
}

// ID returns the raw JSON id of the request, or nil when it was absent, not a
// scalar, or the body could not be parsed.
func (e Envelope) ID() json.RawMessage {
	return e.id
}

// Classify extracts the top-level method and id from body. The slice is only
// read; callers may forward the same bytes afterwards.
//
// The dispatcher decodes bodies with encoding/json, which matches member names
// case-insensitively and lets the last duplicate win. A body is therefore only
// given a method when exactly one member folds to "method" and that member is
// spelled exactly "method"; anything else could be read differently downstream.
// The id follows the same folding: it is kept when exactly one member folds to
// "id", whatever its spelling, since that is the member the dispatcher binds.
func Classify(body []byte) Envelope {
	if !gjson.ValidBytes(body) {
		return Envelope{}
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Envelope{}
	}

	var (
		env        Envelope
		candidates int
		method     gjson.Result
		exact      bool
		ids        int
		id         gjson.Result
	)
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		switch {
		case strings.EqualFold(name, "method"):
			candidates++
			method = value
			exact = name == "method"
		case strings.EqualFold(name, "id"):
			ids++
			id = value
		}
		return true
	})

	if ids == 1 && id.Type != gjson.JSON {
		env.id = json.RawMessage(id.Raw)
	}

	if candidates != 1 || !exact || method.Type != gjson.String {
		return env
	}
	env.method = method.String()
	env.hasMethod = true
	return env
}
