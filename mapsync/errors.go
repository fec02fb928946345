package mapsync

import "errors"

var (
	// ErrRateLimited is returned when a send exceeds its per-type rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotConnected is returned when a send requires a live transport.
	ErrNotConnected = errors.New("not connected")

	// ErrAckTimeout rejects a pending acknowledgment whose deadline elapsed.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrClosed is returned after Cleanup, and rejects pending
	// acknowledgments when the connection is torn down.
	ErrClosed = errors.New("connection closed")

	// ErrConnectTimeout fails a connection attempt that did not establish
	// within the configured bound.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrUnknownMessageType marks an inbound envelope whose type has no
	// handler. The message is dropped; the connection is unaffected.
	ErrUnknownMessageType = errors.New("unknown message type")
)
