package dispatch

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when the bounded queue has no room.
	// Callers drop the request and rely on the next scheduled firing.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrStopping is returned by Enqueue once shutdown has begun.
	ErrStopping = errors.New("dispatch: stopping")

	// ErrNotStarted is returned by Enqueue before Start.
	ErrNotStarted = errors.New("dispatch: not started")
)
