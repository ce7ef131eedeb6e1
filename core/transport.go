package core

import (
	"context"
	"time"
)

// MatchFunc reports whether an incoming reply answers an outstanding probe.
type MatchFunc func(*Reply) bool

// Transport serializes probes, transmits them and waits for matching replies.
//
// A timeout is not an error: SendAndAwait returns a nil reply and a nil error when no matching reply
// arrives within timeout. Errors wrapping ErrTransportUnavailable are fatal for the caller's run.
type Transport interface {
	// SendAndAwait sends one probe and returns the first matching reply.
	SendAndAwait(ctx context.Context, probe *ProbeSpec, match MatchFunc, timeout time.Duration) (*Reply, error)

	// SendAndCollect sends all probes as one batch and returns every matching reply received
	// within timeout of the batch being sent.
	SendAndCollect(ctx context.Context, probes []*ProbeSpec, match MatchFunc, timeout time.Duration) ([]*Reply, error)

	// Close releases the underlying sockets.
	Close() error
}
