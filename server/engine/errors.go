package engine

// error codes delivered through channel data callbacks.
// positive values are OS errnos; negatives are protocol-level conditions.
const (
	// the peer hung up before the message was complete
	UnexpectedEof = -1

	// the byte stream violated its framing (bad chunk size etc)
	ProtocolError = -2
)
