package core

// Frame is a single UTF-8 text payload as it travels the wire.
type Frame []byte

// ConnID identifies one live transport connection. Opaque and stable for the
// connection's lifetime; minted by the adapter that accepted the connection.
type ConnID string

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
