// Package retry provides exponential backoff for transient failures.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s
//   - Quick(): 10 attempts, 50ms-1s, for startup probes
//   - Persistent(): 30 attempts, 200ms-10s, for peer reconnects
//
// Usage:
//
//	err := retry.Do(ctx, retry.Persistent(), func() error {
//	    sess, err = session.Connect(ctx, peerURL, opts)
//	    return err
//	})
//
// Wrap a failure with NonRetryable to stop early, e.g. when a peer rejects the
// cluster token.
package retry
