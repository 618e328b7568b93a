// Package rpc holds the JSON-RPC 2.0 wire types shared by the gate and the MCP
// dispatcher, and the lenient request classifier.
//
// # Classification
//
// The gate needs the method name of a request before it knows whether the
// caller must authenticate, but it must not commit to parsing the whole
// protocol message. Classify inspects only the top-level "method" and "id"
// members of the buffered body:
//
//	env := rpc.Classify(body)
//	if method, ok := env.Method(); ok {
//	    ...
//	}
//
// Anything that is not a JSON object with a string "method" member (invalid
// JSON, batches, a numeric method, a missing field) yields an envelope with no
// method. Classification never fails and never modifies the body.
package rpc
