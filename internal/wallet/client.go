package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution/signer"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
)

// TxOptions tunes how write clients price, submit and confirm transactions.
type TxOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	ReceiptTimeout     time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		Simulate:       true,
		PollInterval:   2 * time.Second,
		ReceiptTimeout: 2 * time.Minute,
		GasMultiplier:  1.2,
	}
}

func (o TxOptions) normalized() TxOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 2 * time.Minute
	}
	if o.GasMultiplier <= 1 {
		o.GasMultiplier = 1.2
	}
	return o
}

// ReadClient is a read-only connection bound to one chain. Clients handed out
// by a Provider must be released; a client replaced by a new descriptor closes
// its Backend once the last user releases it.
type ReadClient struct {
	Backend
	chain registry.Descriptor

	mu      sync.Mutex
	users   int
	retired bool
	closed  bool
}

func (c *ReadClient) Chain() registry.Descriptor { return c.chain }

// Release marks the end of one use of c.
func (c *ReadClient) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.users > 0 {
		c.users--
	}
	c.closeIdleLocked()
}

// acquire reports false once the Backend has been closed.
func (c *ReadClient) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.users++
	return true
}

func (c *ReadClient) retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = true
	c.closeIdleLocked()
}

func (c *ReadClient) closeIdleLocked() {
	if c.retired && c.users == 0 && !c.closed {
		c.closed = true
		c.Backend.Close()
	}
}

// WriteClient signs and submits transactions on one chain. It shares the
// Backend of the chain's ReadClient.
type WriteClient struct {
	*ReadClient
	signer  signer.Signer
	opts    TxOptions
	nonceMu *sync.Mutex
}

func (c *WriteClient) Address() common.Address { return c.signer.Address() }

// TxRequest is an unsigned call or value transfer.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Send prices, signs and broadcasts req as an EIP-1559 transaction. It does
// not wait for inclusion.
func (c *WriteClient) Send(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if chainID.Int64() != c.chain.ChainID {
		return nil, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc for %s reports chain id %d, expected %d", c.chain.Name, chainID.Int64(), c.chain.ChainID))
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	msg := ethereum.CallMsg{From: c.Address(), To: &to, Value: value, Data: req.Data}

	if c.opts.Simulate {
		if _, err := c.CallContract(ctx, msg, nil); err != nil {
			return nil, wrapEVMExecutionError(clierr.CodeActionSim, "simulate transaction (eth_call)", err)
		}
	}
	gasLimit, err := c.EstimateGas(ctx, msg)
	if err != nil {
		return nil, wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * c.opts.GasMultiplier)

	tipCap, err := c.resolveTipCap(ctx)
	if err != nil {
		return nil, err
	}
	header, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, c.opts.MaxFeeGwei)
	if err != nil {
		return nil, err
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	nonce, err := c.PendingNonceAt(ctx, c.Address())
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := c.signer.SignTx(chainID, tx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := c.SendTransaction(ctx, signed); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	return signed, nil
}

// WaitMined polls for the receipt of tx until it is included or the receipt
// timeout elapses. A reverted receipt is returned together with an error.
// A timeout is terminal: tx is already broadcast and may still be mined.
func (c *WriteClient) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.TransactionReceipt(waitCtx, tx.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return receipt, clierr.New(clierr.CodeTxFailed, fmt.Sprintf("transaction %s reverted on-chain", tx.Hash().Hex()))
		}
		// Polling errors other than not-found are transient until the timeout.
		select {
		case <-waitCtx.Done():
			return nil, pendingError(tx, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func pendingError(tx *types.Transaction, cause error) error {
	hash := tx.Hash().Hex()
	out := clierr.Invalid(clierr.KindTransactionFailed, fmt.Sprintf("no receipt for %s before the wait ended; the transaction may still be mined", hash))
	out.Code = clierr.CodeActionTimeout
	out.Details = "status=pending tx=" + hash
	out.Cause = cause
	return out
}

func (c *WriteClient) resolveTipCap(ctx context.Context) (*big.Int, error) {
	if strings.TrimSpace(c.opts.MaxPriorityFeeGwei) != "" {
		v, err := parseGwei(c.opts.MaxPriorityFeeGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max priority fee", err)
		}
		return v, nil
	}
	tipCap, err := c.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max fee", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tipCap), nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}
