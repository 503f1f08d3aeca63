package core

// Conn is the transport handle the core sends frames through. The
// WebSocket layer implements it; fakes stand in for it in tests.
//
// Send failures are treated as "connection probably dead": the
// broadcaster prunes the owning participant lazily instead of running
// a separate sweep.
type Conn interface {
	// ID uniquely identifies the connection for registry keying.
	ID() string
	// Send writes one text frame. It must not block on slow consumers
	// longer than the transport's own write budget.
	Send(data []byte) error
	// Close tears the connection down; triggering the normal
	// close/cleanup path of the transport. Idempotent.
	Close(reason string) error
	// Open reports whether the connection can still accept frames.
	Open() bool
}
