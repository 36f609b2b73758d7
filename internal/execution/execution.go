// Package execution drives transfers and bridges from validated request to
// confirmed on-chain transactions, recording each action as it goes.
package execution

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
	"github.com/ggonzalez94/evm-agent-wallet/internal/tokens"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
)

const nativeTokenAddress = "0x0000000000000000000000000000000000000000"

// ChainClientProvider resolves registered chains and their signing clients.
// *wallet.Provider implements it.
type ChainClientProvider interface {
	Descriptor(chain string) (registry.Descriptor, error)
	WriteClient(ctx context.Context, chain string) (*wallet.WriteClient, error)
}

type options struct {
	store          Recorder
	logger         zerolog.Logger
	retryAttempts  int
	retryBaseDelay time.Duration
	policy         PolicyOptions
}

type Option func(*options)

// WithStore records every action snapshot in r.
func WithStore(r Recorder) Option {
	return func(o *options) { o.store = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRouteRetry bounds the retries around read-only route lookups.
func WithRouteRetry(attempts int, baseDelay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
		if baseDelay >= 0 {
			o.retryBaseDelay = baseDelay
		}
	}
}

func WithPolicy(p PolicyOptions) Option {
	return func(o *options) { o.policy = p }
}

func newOptions(logger zerolog.Logger, opts []Option) options {
	o := options{
		logger:         logger,
		retryAttempts:  3,
		retryBaseDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) save(ctx context.Context, action *Action) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, *action); err != nil {
		o.logger.Warn().Err(err).Str("action_id", action.ActionID).Msg("action record not saved")
	}
}

// runStep signs, broadcasts and confirms one step, updating its status.
func (o options) runStep(ctx context.Context, client *wallet.WriteClient, action *Action, step *ActionStep) error {
	data, err := decodeHex(step.Data)
	if err != nil {
		return clierr.Wrap(clierr.CodeActionPlan, "decode step calldata", err)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(step.Value), 10)
	if !ok {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("invalid value %q for step %s", step.Value, step.StepID))
	}
	tx, err := client.Send(ctx, wallet.TxRequest{To: common.HexToAddress(step.Target), Value: value, Data: data})
	if err != nil {
		return err
	}
	step.Status = StepStatusSubmitted
	step.TxHash = tx.Hash().Hex()
	action.Touch()
	o.save(ctx, action)
	o.logger.Info().Str("action_id", action.ActionID).Str("step", step.StepID).Str("tx", step.TxHash).Msg("transaction submitted")

	if _, err := client.WaitMined(ctx, tx); err != nil {
		return err
	}
	step.Status = StepStatusConfirmed
	action.Touch()
	o.save(ctx, action)
	return nil
}

// asset is a resolved token on one chain. Native assets use the zero address.
type asset struct {
	Symbol   string
	Address  string
	Decimals int
	Native   bool
}

func nativeAsset(d registry.Descriptor) asset {
	return asset{Symbol: d.NativeSymbol, Address: nativeTokenAddress, Decimals: d.NativeDecimals, Native: true}
}

func isNativeToken(d registry.Descriptor, token string) bool {
	t := strings.TrimSpace(token)
	return t == "" ||
		strings.EqualFold(t, d.NativeSymbol) ||
		strings.EqualFold(t, nativeTokenAddress) ||
		strings.EqualFold(t, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
}

// resolveAsset maps a symbol or address to a token on d. Decimals of unknown
// address literals are read through caller.
func resolveAsset(ctx context.Context, caller ethereum.ContractCaller, d registry.Descriptor, token string) (asset, error) {
	if isNativeToken(d, token) {
		return nativeAsset(d), nil
	}
	t, err := registry.ResolveToken(d.ChainID, token)
	if err != nil {
		return asset{}, err
	}
	out := asset{Symbol: t.Symbol, Address: common.HexToAddress(t.Address).Hex(), Decimals: t.Decimals}
	if out.Symbol == "" {
		out.Symbol = out.Address
	}
	if out.Decimals == 0 {
		if caller == nil {
			return asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("decimals of token %s are unknown", out.Address))
		}
		decimals, err := tokens.ReadDecimals(ctx, caller, common.HexToAddress(out.Address))
		if err != nil {
			return asset{}, clierr.Wrap(clierr.CodeUnavailable, "read token decimals", err)
		}
		out.Decimals = decimals
	}
	return out, nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
