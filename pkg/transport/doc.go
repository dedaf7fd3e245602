// Package transport provides the CIS-IP2 byte stream layer.
//
// The transport layer handles:
//   - Plain TCP connections to receivers (default port 33336)
//   - Decoding a stream of JSON records that are not aligned to reads
//   - Liveness pinging on top of ordinary requests
//   - A small TCP server used by the device simulator
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   JSON records (pkg/wire)      │
//	├────────────────────────────────┤
//	│   Stream decoding (Decoder)    │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Stream Decoding
//
// A read may return part of a record, several records, or whitespace.
// Decoder buffers chunks and yields complete records:
//
//	dec := transport.NewDecoder()
//	dec.Feed(chunk)
//	for msg, err := range dec.All() {
//	    if err != nil {
//	        // *DecodeError: the malformed span was skipped
//	        continue
//	    }
//	    route(msg)
//	}
//
// A malformed span is reported as a *DecodeError and skipped; decoding
// resumes at the next '{'. Records never contain a line break, so a record
// still open at a line break is reported as truncated and decoding resumes
// on the next line. A partial record larger than the size bound is dropped
// the same way.
//
// # Keep-Alive
//
// CIS-IP2 has no ping message. KeepAlive periodically runs a liveness check (the
// connection package uses "get main.power") and reports the connection dead
// after MaxMissed consecutive failures:
//   - Ping interval: 30 seconds
//   - Ping timeout: 5 seconds
//   - Max missed pings: 3
package transport
