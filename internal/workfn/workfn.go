// Package workfn holds the pluggable domain operation the dispatcher runs
// on every leader-accepted client request. spec.md treats this as opaque
// business logic out of scope for the coordinator itself; this package
// ships one concrete implementation, LSB image steganography, standing in
// for whatever real payload a deployment wires up.
package workfn

import (
	"context"
	"time"
)

// Func is the pluggable work function's signature: given request
// metadata and a payload, produce a result or fail. Implementations must
// respect ctx — the dispatcher runs them with a bounded deadline so a
// slow invocation cannot starve the heartbeat goroutine (spec.md §5).
type Func func(ctx context.Context, meta, payload []byte) ([]byte, error)

// Delayed wraps inner so it first waits d (or returns early if ctx is
// canceled), then runs inner. Useful for exercising the dispatcher's
// bounded-execution behavior in tests without a slow real implementation.
func Delayed(d time.Duration, inner Func) Func {
	return func(ctx context.Context, meta, payload []byte) ([]byte, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return inner(ctx, meta, payload)
	}
}
