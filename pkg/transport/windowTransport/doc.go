// Package windowTransport binds a transport.Endpoint to a real browser window
// when the module is compiled with GOOS=js GOARCH=wasm. Outbound envelopes go
// through otherWindow.postMessage and inbound ones arrive from the global
// "message" event, carrying event.origin.
package windowTransport
