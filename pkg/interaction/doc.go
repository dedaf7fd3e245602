// Package interaction implements CIS-IP2 request correlation and
// notification dispatch.
//
// A receiver answers requests out of order and pushes notifications at any
// time, interleaved with replies. The package has three parts:
//
//   - Table: maps command ids to pending result slots and allocates ids
//   - Registry: maps feature names (or AllFeatures) to callbacks
//   - Client: issues requests and routes incoming records to both
//
// # Request Lifecycle
//
// Client.Request allocates an id, arms a result slot with a deadline,
// writes the record and waits. Exactly one outcome completes the slot:
//
//   - result record: the request returns the record
//   - error record: *CommandError with the receiver's detail
//   - deadline: *TimeoutError; a late reply is ignored
//   - context cancellation: the slot is removed; a late reply is ignored
//   - connection end: *ConnectionLostError for every pending request
//
// # Ids
//
// Ids come from a wrapping counter over [MinID, MaxID] (1 to 1,000,000 by
// default). An id held by a pending request is skipped; if every id is
// held, Allocate returns ErrExhaustedIDs.
//
// # Notifications
//
// Client.HandleMessage hands notify records to the Registry, which queues
// them and calls subscribers on its own goroutine in arrival order:
//
//	client.Subscribe("main.power", func(feature string, value any) {
//	    fmt.Println(feature, value)
//	})
//	client.Subscribe(interaction.AllFeatures, logEverything)
//
// A panicking callback is recovered and logged; other subscribers still
// receive the notification.
package interaction
