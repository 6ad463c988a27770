// Package worker provides a generic, bounded worker pool.
//
// The fabric client runs its dispatch loop on a Pool with a single worker so
// handlers see messages in arrival order. More workers trade ordering for
// throughput.
//
//	pool := worker.NewPool(1, 256, func(ctx context.Context, d delivery) error {
//	    return table.Dispatch(ctx, d.topic, d.payload)
//	}, worker.WithMetricsRegistry[delivery](registry, "dispatch"))
//
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks and reports ErrQueueFull when the queue is at capacity.
// SubmitContext waits for room, returning when ctx is done or the pool stops.
// Stop closes the queue, lets workers drain it, and unregisters pool metrics.
package worker
