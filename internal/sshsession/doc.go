// Package sshsession is the process-wide registry of interactive SSH
// sessions.
//
// A session owns one connection generation at a time: a transport, the PTY
// channel on it, the profile's port forwards and the bridge feeding the
// terminal interpreter. Everything that outlives a generation (scrollback,
// terminal log, attached viewers) sits in the session's output hub.
//
// # State machine
//
//	Idle -> Connecting -> Active | Errored
//	Active -> Reconnecting | Errored | Closed
//	Reconnecting -> Active | Errored
//	Errored -> Reconnecting | Closed
//
// Idle, Connecting and Reconnecting may also go to Closed so that a
// disconnect aborts connection setup. Closed is terminal.
//
// Every transition happens under the Manager's lock; listeners registered
// with [Manager.OnStateChange] are called afterwards in transition order.
// The last 50 transitions and 100 events of each session are kept for
// debugging.
//
// # Reconnect
//
// A reconnect builds a complete new generation, swaps it in under the lock
// and only then closes the old one. The end notice of a replaced generation
// is ignored. With AutoReconnect a lost transport starts a reconnect on its
// own; a remote shell exit never does.
//
// # Log Prefixes
//
// The manager logs at the [session-mgr] prefix.
package sshsession
