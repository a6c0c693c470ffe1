package ports

// ClientConn is the control channel to one viewer.
type ClientConn interface {
	ID() string
	// SendJSON queues a text message. It never blocks on a slow peer.
	SendJSON(v interface{}) error
	// SendBinary queues a binary frame.
	SendBinary(data []byte) error
	Closed() bool
}

// FrameSink receives relayed video bytes for one stream.
type FrameSink interface {
	ID() string
	// Send queues data; an error means the sink is gone and must be dropped.
	Send(data []byte) error
	Close()
}
