// Package simulator is an in-process CIS-IP2 receiver.
//
// It listens on TCP, keeps a value per catalog feature and answers get and
// set the way a receiver does:
//
//   - get of a known feature returns a result with the current value
//   - get of an unknown or write-only feature returns an error record
//   - set returns ACK, NAK for a value the catalog rejects, or ERR while
//     the feature's zone is powered off
//   - a set that changes a notifiable feature pushes a notify to every
//     connected client
//
// Fault injection (see Faults) drops responses, splits or coalesces
// writes, sends garbage between records and closes connections, so client
// behaviour can be exercised over real sockets. cmd/cisip-sim wraps it.
package simulator
