package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"insufficient funds for gas * price + value", KindInsufficientFunds},
		{`Post "https://rpc": dial tcp: connection refused`, KindNetworkError},
		{"execution reverted: ERC20: transfer amount", KindTransactionFailed},
		{"failed to estimate gas: out of gas", KindGasEstimationError},
		{"route matching failed upstream", KindMatchingFailed},
		{"pool has insufficient liquidity", KindInsufficientLiquidity},
		{"No available quotes for the requested transfer", KindNoRouteAvailable},
		{"something odd", KindUnknownError},
	}
	for _, tc := range cases {
		msg, want := tc.msg, tc.want
		got := Classify(errors.New(msg))
		if got.Kind != want {
			t.Fatalf("Classify(%q) = %s, want %s", msg, got.Kind, want)
		}
		if len(got.Suggestions) == 0 {
			t.Fatalf("expected suggestions for %s", got.Kind)
		}
	}
}

func TestClassifyPassesThroughClassifiedErrors(t *testing.T) {
	orig := Invalid(KindInvalidRecipient, "recipient 0x12 is not an address")
	wrapped := fmt.Errorf("transfer: %w", orig)
	got := Classify(wrapped)
	if got != orig {
		t.Fatalf("expected the original classified error, got %#v", got)
	}
}

func TestClassifyCodeFallback(t *testing.T) {
	got := Classify(New(CodeRateLimited, "provider rate limited"))
	if got.Kind != KindNetworkError || !got.Recoverable {
		t.Fatalf("unexpected classification %#v", got)
	}
	if got.Code != CodeRateLimited {
		t.Fatalf("expected code to be preserved, got %d", got.Code)
	}
}

func TestClassifyDoesNotRepeatMessage(t *testing.T) {
	typed := Wrap(CodeUnavailable, "broadcast transaction", context.DeadlineExceeded).WithDetails("rpc=base")
	got := Classify(typed)
	if got.Error() != "broadcast transaction: context deadline exceeded" {
		t.Fatalf("unexpected message %q", got.Error())
	}
	if got.Details != "rpc=base" || !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("expected details and cause to be kept, got %#v", got)
	}
}

func TestRecoverableKinds(t *testing.T) {
	for kind, info := range kinds {
		want := kind == KindNetworkError || kind == KindGasEstimationError || kind == KindMatchingFailed
		if info.recoverable != want {
			t.Fatalf("kind %s recoverable=%v", kind, info.recoverable)
		}
	}
	if IsRecoverable(nil) {
		t.Fatal("nil error must not be recoverable")
	}
}

func TestWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	got, err := WithRetry(context.Background(), 3, time.Millisecond, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
}

func TestWithRetryExhaustsAndClassifies(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), 3, time.Millisecond, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("dial tcp 127.0.0.1:8545: connection refused")
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	typed, ok := As(err)
	if !ok || typed.Kind != KindNetworkError {
		t.Fatalf("expected classified network error, got %v", err)
	}
}

func TestWithRetryStopsOnTerminalKind(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), 5, time.Millisecond, func(context.Context) (int, error) {
		calls++
		return 0, Invalid(KindInvalidRecipient, "")
	})
	if calls != 1 {
		t.Fatalf("expected a single call for terminal errors, got %d", calls)
	}
	if typed, _ := As(err); typed == nil || typed.Kind != KindInvalidRecipient {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := WithRetry(ctx, 3, time.Hour, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("timeout")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected cancellation after one call, calls=%d err=%v", calls, err)
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatal("nil error should exit 0")
	}
	if ExitCode(Invalid(KindInsufficientFunds, "")) != int(CodeFunds) {
		t.Fatal("insufficient funds should map to CodeFunds")
	}
	if ExitCode(errors.New("plain")) != int(CodeInternal) {
		t.Fatal("plain errors should map to CodeInternal")
	}
}
