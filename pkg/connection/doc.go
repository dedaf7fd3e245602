// Package connection manages a client session with a CIS-IP2 receiver.
//
// A Connection dials the receiver, runs the listener loop that feeds the
// stream decoder, and exposes request and subscription calls:
//
//	conn := connection.New(connection.DefaultConfig())
//	if err := conn.Connect(ctx, "192.168.1.40", 0); err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	power, err := conn.Get(ctx, "main.power")
//
// # States
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> DISCONNECTING -> DISCONNECTED
//
// A transport failure goes straight from CONNECTED to DISCONNECTED. Either
// way every pending request fails with *interaction.ConnectionLostError,
// and exactly one listener loop runs while CONNECTED.
//
// # Subscriptions
//
// Subscriptions belong to the Connection, not to a session. They may be
// registered before Connect and keep receiving notifications after a
// reconnect. The command id table is per session.
//
// # Reconnection
//
// Manager reconnects after a transport failure using exponential backoff
// with jitter:
//
//	delay = base + random(0, base * 0.2), base = 0.5s, 1s, 2s ... 30s
//
// The backoff resets after a successful connect. An explicit Disconnect is
// not undone.
//
// # Keep-alive
//
// CIS-IP2 has no ping message. With Config.KeepAlive set, the connection
// pings the receiver with get main.power and drops the session after
// KeepAlive.MaxMissed failed pings.
package connection
