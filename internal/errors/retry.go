package errors

import (
	"context"
	"time"
)

// terminal kinds fail the same way on every attempt, so WithRetry stops on them.
var terminal = map[Kind]bool{
	KindInvalidPrivateKey:     true,
	KindInvalidAmount:         true,
	KindInvalidRecipient:      true,
	KindInvalidChainName:      true,
	KindUnregisteredChain:     true,
	KindUnknownChain:          true,
	KindSameChainBridge:       true,
	KindNoRouteAvailable:      true,
	KindInsufficientFunds:     true,
	KindInsufficientLiquidity: true,
	KindTransactionFailed:     true,
}

// WithRetry invokes op up to maxAttempts times, sleeping baseDelay*attempt
// between attempts. Each failure is classified first; terminal kinds are
// returned without further attempts. The returned error is always classified.
func WithRetry[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last *Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		last = Classify(err)
		if terminal[last.Kind] || attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			break
		}
		timer := time.NewTimer(baseDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, last
		case <-timer.C:
		}
	}
	return zero, last
}
