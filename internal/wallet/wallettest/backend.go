// Package wallettest provides an in-memory chain backend for tests of code
// built on wallet clients.
package wallettest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
)

// Backend is a minimal single-account chain. Transactions are "mined" as soon
// as they are sent.
type Backend struct {
	mu sync.Mutex

	chainID  int64
	balances map[common.Address]*big.Int
	sent     []*types.Transaction
	nonce    uint64
	closed   bool

	// Failure injection.
	BalanceErr  error
	EstimateErr error
	SendErr     error
	Revert      bool
	// Pending keeps sent transactions out of blocks, so no receipt is found.
	Pending bool
	// Call answers eth_call. The default returns empty data.
	Call func(msg ethereum.CallMsg) ([]byte, error)
}

func NewBackend(chainID int64) *Backend {
	return &Backend{chainID: chainID, balances: map[common.Address]*big.Int{}}
}

func (b *Backend) SetBalance(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(wei)
}

// Sent returns the transactions broadcast so far.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(b.chainID), nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)) + 1, nil
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BalanceErr != nil {
		return nil, b.BalanceErr
	}
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	call := b.Call
	b.mu.Unlock()
	if call == nil {
		return []byte{}, nil
	}
	return call(msg)
}

func (b *Backend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	if len(msg.Data) == 0 {
		return 21_000, nil
	}
	return 60_000, nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	if tx.Nonce() != b.nonce {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), b.nonce)
	}
	b.nonce++
	b.sent = append(b.sent, tx)
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Pending {
		return nil, ethereum.NotFound
	}
	for i, tx := range b.sent {
		if tx.Hash() != hash {
			continue
		}
		status := types.ReceiptStatusSuccessful
		if b.Revert {
			status = types.ReceiptStatusFailed
		}
		return &types.Receipt{
			Status:      status,
			TxHash:      hash,
			BlockNumber: big.NewInt(int64(i) + 2),
			GasUsed:     tx.Gas(),
		}, nil
	}
	return nil, ethereum.NotFound
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Network routes dials by RPC URL to registered backends and counts them.
type Network struct {
	mu       sync.Mutex
	backends map[string]*Backend
	dialErrs map[string]error
	dials    map[string]int
	// Gate, when set, is received from before each dial returns.
	Gate chan struct{}
}

func NewNetwork() *Network {
	return &Network{
		backends: map[string]*Backend{},
		dialErrs: map[string]error{},
		dials:    map[string]int{},
	}
}

func (n *Network) Add(rpcURL string, b *Backend) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backends[rpcURL] = b
}

// FailDial makes dials to rpcURL return err.
func (n *Network) FailDial(rpcURL string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialErrs[rpcURL] = err
}

func (n *Network) Dial(_ context.Context, rpcURL string) (wallet.Backend, error) {
	n.mu.Lock()
	n.dials[rpcURL]++
	gate := n.Gate
	b, ok := n.backends[rpcURL]
	err := n.dialErrs[rpcURL]
	n.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", rpcURL)
	}
	return b, nil
}

// Dials returns how many times rpcURL was dialed. An empty URL counts all.
func (n *Network) Dials(rpcURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rpcURL == "" {
		total := 0
		for _, v := range n.dials {
			total += v
		}
		return total
	}
	return n.dials[rpcURL]
}
