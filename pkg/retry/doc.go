// Package retry provides exponential backoff retry logic for transient failures.
//
// The fabric uses it for the initial broker connect: a plugin started before
// its broker keeps dialing with backoff instead of exiting.
//
// DefaultConfig gives 3 attempts with doubling, jittered delays between
// 100ms and 5s; the session overrides attempts and bounds from its config.
//
// # Usage
//
//	cfg := retry.DefaultConfig()
//	cfg.MaxAttempts = connectAttempts
//	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
//	    logger.Warn("broker connect failed", "attempt", attempt, "error", err, "next", next)
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    return conn.Connect(ctx)
//	})
//
// Wrap an error with NonRetryable to stop immediately (bad credentials,
// malformed broker URL). Both Do and the backoff wait honor ctx.
package retry
