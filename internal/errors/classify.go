package errors

import (
	"context"
	"errors"
	"strings"
)

// Kind is the closed set of failure categories reported to callers.
type Kind string

const (
	KindInvalidPrivateKey     Kind = "InvalidPrivateKey"
	KindInvalidAmount         Kind = "InvalidAmount"
	KindInvalidRecipient      Kind = "InvalidRecipient"
	KindInvalidChainName      Kind = "InvalidChainName"
	KindUnregisteredChain     Kind = "UnregisteredChain"
	KindUnknownChain          Kind = "UnknownChain"
	KindSameChainBridge       Kind = "SameChainBridge"
	KindNoRouteAvailable      Kind = "NoRouteAvailable"
	KindInsufficientFunds     Kind = "InsufficientFunds"
	KindMatchingFailed        Kind = "MatchingFailed"
	KindInsufficientLiquidity Kind = "InsufficientLiquidity"
	KindGasEstimationError    Kind = "GasEstimationError"
	KindTransactionFailed     Kind = "TransactionFailed"
	KindNetworkError          Kind = "NetworkError"
	KindUnknownError          Kind = "UnknownError"
)

type kindInfo struct {
	code        Code
	message     string
	suggestions []string
	recoverable bool
}

var kinds = map[Kind]kindInfo{
	KindInvalidPrivateKey: {
		code:        CodeUsage,
		message:     "private key is not a valid secp256k1 key",
		suggestions: []string{"Provide 64 hex characters, optionally prefixed with 0x"},
	},
	KindInvalidAmount: {
		code:        CodeUsage,
		message:     "amount must be a positive decimal number",
		suggestions: []string{"Use a value such as 0.5 or 100"},
	},
	KindInvalidRecipient: {
		code:        CodeUsage,
		message:     "recipient is not a valid EVM address",
		suggestions: []string{"Provide a 0x-prefixed 40 character hex address", "Check the EIP-55 checksum if the address is mixed case"},
	},
	KindInvalidChainName: {
		code:        CodeUsage,
		message:     "chain name is malformed",
		suggestions: []string{"Use a chain name such as ethereum or base, or eip155:<chain id>"},
	},
	KindUnregisteredChain: {
		code:        CodeUnsupported,
		message:     "chain is not registered with this wallet",
		suggestions: []string{"Register the chain before using it", "List configured chains with `evmwallet chains list`"},
	},
	KindUnknownChain: {
		code:        CodeUnsupported,
		message:     "chain is not known",
		suggestions: []string{"List supported chains with `evmwallet chains list`", "Add a custom chain with an rpc_url in the config file"},
	},
	KindSameChainBridge: {
		code:        CodeUsage,
		message:     "source and destination chains must differ",
		suggestions: []string{"Use a transfer for movements on a single chain"},
	},
	KindNoRouteAvailable: {
		code:        CodeUnsupported,
		message:     "no bridge route is available",
		suggestions: []string{"Try a different token pair or amount", "Try again later when more liquidity is available"},
	},
	KindInsufficientFunds: {
		code:        CodeFunds,
		message:     "insufficient funds for amount plus gas",
		suggestions: []string{"Top up the wallet with the native token", "Reduce the amount"},
	},
	KindMatchingFailed: {
		code:        CodeUnavailable,
		message:     "route matching failed",
		suggestions: []string{"Retry the request"},
		recoverable: true,
	},
	KindInsufficientLiquidity: {
		code:        CodeUnavailable,
		message:     "insufficient liquidity for the requested amount",
		suggestions: []string{"Reduce the amount", "Try a different token pair"},
	},
	KindGasEstimationError: {
		code:        CodeActionSim,
		message:     "gas estimation failed",
		suggestions: []string{"Retry the request", "Check that the wallet holds enough native token for gas"},
		recoverable: true,
	},
	KindTransactionFailed: {
		code:        CodeTxFailed,
		message:     "transaction failed",
		suggestions: []string{"Inspect the transaction on the chain explorer"},
	},
	KindNetworkError: {
		code:        CodeUnavailable,
		message:     "network request failed",
		suggestions: []string{"Retry the request", "Check the RPC endpoint or configure a different rpc_url"},
		recoverable: true,
	},
	KindUnknownError: {
		code:        CodeInternal,
		message:     "unexpected error",
		suggestions: []string{"Retry the request", "Run with --log-level debug for more detail"},
	},
}

// Invalid builds a classified error of the given kind with a specific message.
func Invalid(kind Kind, message string) *Error {
	info, ok := kinds[kind]
	if !ok {
		kind = KindUnknownError
		info = kinds[KindUnknownError]
	}
	if strings.TrimSpace(message) == "" {
		message = info.message
	}
	return &Error{
		Code:        info.code,
		Kind:        kind,
		Message:     message,
		Suggestions: append([]string(nil), info.suggestions...),
		Recoverable: info.recoverable,
	}
}

func classified(kind Kind, cause error) *Error {
	out := Invalid(kind, "")
	out.Message = kinds[kind].message
	out.Cause = cause
	return out
}

// Classify maps any error into the closed Kind taxonomy. Already classified
// errors are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := As(err); ok {
		if typed.Kind != "" {
			return typed
		}
		if kind, ok := kindFromMessage(typed.Error()); ok {
			out := classified(kind, typed.Cause)
			out.Message = typed.Message
			out.Details = typed.Details
			return out
		}
		out := classified(kindFromCode(typed.Code), typed.Cause)
		out.Code = typed.Code
		out.Message = typed.Message
		out.Details = typed.Details
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classified(KindNetworkError, err)
	}
	if kind, ok := kindFromMessage(err.Error()); ok {
		return classified(kind, err)
	}
	return classified(KindUnknownError, err)
}

// IsRecoverable reports whether retrying the failed operation may succeed.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Recoverable
}

func kindFromCode(code Code) Kind {
	switch code {
	case CodeRateLimited, CodeUnavailable, CodeActionTimeout:
		return KindNetworkError
	case CodeActionSim:
		return KindGasEstimationError
	case CodeFunds:
		return KindInsufficientFunds
	case CodeTxFailed:
		return KindTransactionFailed
	default:
		return KindUnknownError
	}
}

// Order matters: funds and liquidity beat the generic revert match, and
// gas estimation beats the network match since estimation failures often
// mention the RPC.
var messageRules = []struct {
	kind     Kind
	patterns []string
}{
	{KindInsufficientFunds, []string{"insufficient funds", "insufficient balance", "exceeds balance"}},
	{KindInsufficientLiquidity, []string{"insufficient liquidity", "not enough liquidity"}},
	{KindNoRouteAvailable, []string{"no route", "no available quotes", "no quote", "no possible route"}},
	{KindMatchingFailed, []string{"matching failed", "match failed", "failed to match"}},
	{KindGasEstimationError, []string{"gas estimation", "estimate gas", "estimategas", "gas required exceeds", "intrinsic gas"}},
	{KindInvalidPrivateKey, []string{"invalid private key", "invalid length, need 256 bits"}},
	{KindTransactionFailed, []string{"reverted", "transaction failed", "execution reverted", "nonce too low", "replacement transaction underpriced"}},
	{KindNetworkError, []string{"network", "timeout", "timed out", "connection", "dial", "rate limit", "too many requests", "503", "502", "eof", "no such host"}},
}

func kindFromMessage(msg string) (Kind, bool) {
	lower := strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lower, pattern) {
				return rule.kind, true
			}
		}
	}
	return "", false
}
