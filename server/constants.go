package server

import "time"

// WebSocket session timing.
const (
	// pingPeriod is how often sessions ping their client. It must be
	// shorter than pongWait.
	pingPeriod = 54 * time.Second

	// pongWait is how long a session waits for any frame, pongs included.
	pongWait = 60 * time.Second

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// maxMessageSize caps inbound envelopes.
	maxMessageSize = 4096

	// sendBuffer is the per-session outbound queue length.
	sendBuffer = 64
)

// storeTimeout bounds store and cache calls made on behalf of a session.
const storeTimeout = 5 * time.Second
