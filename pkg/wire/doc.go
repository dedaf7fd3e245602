// Package wire defines the JSON wire format of the CIS-IP2 protocol.
//
// CIS-IP2 carries one JSON object per message over a plain TCP stream
// (default port 33336). Outgoing records are terminated by a newline;
// incoming records are not aligned to reads and must be decoded from a
// byte stream (see the transport package).
//
// # Message Types
//
// There are five message types:
//   - get: client asks for the current value of a feature
//   - set: client changes the value of a feature
//   - result: device answers a get or set (carries the request id)
//   - error: device rejects a get or set (carries the request id)
//   - notify: device pushes a value change (no correlation id)
//
// # Example
//
//	{"id":3,"type":"get","feature":"main.power"}
//	{"id":3,"type":"result","feature":"main.power","value":"on"}
//	{"type":"notify","feature":"main.volumestep","value":42}
//
// Values are protocol-defined scalars or strings. Numbers are decoded as
// json.Number so integer values survive unchanged.
package wire
