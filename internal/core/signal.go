package core

// Frame is an encoded wire event ready for delivery.
type Frame []byte

// ConnID is the opaque transport-assigned identifier of one live connection.
type ConnID string

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues a frame without blocking. Frames enqueued on one
	// connection are delivered in enqueue order.
	TrySend(Frame) error
	Close()
}
