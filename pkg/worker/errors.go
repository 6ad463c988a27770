package worker

import "errors"

// Pool lifecycle and submission errors
var (
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")

	// ErrQueueFull is returned by Submit; SubmitContext waits instead.
	ErrQueueFull = errors.New("worker: queue full")

	ErrNilProcessor = errors.New("worker: nil processor")

	// ErrStopTimeout means Stop gave up before queued work drained.
	ErrStopTimeout = errors.New("worker: timed out waiting for workers to stop")
)
