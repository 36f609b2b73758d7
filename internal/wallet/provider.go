package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution/signer"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
	"github.com/ggonzalez94/evm-agent-wallet/internal/units"
)

// Provider owns one signing identity and a lazily built, memoised read and
// write client per registered chain. Concurrent first access to a chain
// builds exactly one client.
type Provider struct {
	signer   signer.Signer
	registry *registry.Registry
	dial     Dialer
	txOpts   TxOptions
	logger   zerolog.Logger

	mu         sync.Mutex
	chains     map[string]registry.Descriptor
	reads      map[string]*ReadClient
	writes     map[string]*WriteClient
	nonceLocks map[int64]*sync.Mutex
	builds     singleflight.Group
}

type Option func(*Provider)

func WithDialer(d Dialer) Option {
	return func(p *Provider) {
		if d != nil {
			p.dial = d
		}
	}
}

func WithTxOptions(opts TxOptions) Option {
	return func(p *Provider) { p.txOpts = opts.normalized() }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a provider. s may be nil for a read-only provider; reg may be
// nil, in which case the built-in chain registry is used.
func New(s signer.Signer, reg *registry.Registry, opts ...Option) *Provider {
	if reg == nil {
		reg = registry.NewDefault()
	}
	p := &Provider{
		signer:     s,
		registry:   reg,
		dial:       DialRPC,
		txOpts:     DefaultTxOptions(),
		logger:     log.Wallet,
		chains:     map[string]registry.Descriptor{},
		reads:      map[string]*ReadClient{},
		writes:     map[string]*WriteClient{},
		nonceLocks: map[int64]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Address is the signing address, or the zero address for a read-only provider.
func (p *Provider) Address() common.Address {
	if p.signer == nil {
		return common.Address{}
	}
	return p.signer.Address()
}

func (p *Provider) HasSigner() bool { return p.signer != nil }

// AddChain merges chains into the provider. A chain re-registered with a
// different descriptor drops its cached clients so the next access rebuilds
// them against the new descriptor. The replaced Backend is closed after its
// in-flight users release it.
func (p *Provider) AddChain(chains map[string]registry.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, d := range chains {
		key := normalizeChain(name)
		if strings.TrimSpace(d.Name) == "" {
			d.Name = key
		}
		if d.NativeDecimals == 0 {
			d.NativeDecimals = 18
		}
		if prev, ok := p.chains[key]; ok && prev == d {
			continue
		}
		if old := p.reads[key]; old != nil {
			old.retire()
		}
		delete(p.reads, key)
		delete(p.writes, key)
		p.chains[key] = d
		p.logger.Debug().Str("chain", key).Int64("chain_id", d.ChainID).Msg("chain registered")
	}
}

// Close retires every cached client. Clients still in use close on release.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.reads {
		c.retire()
		delete(p.reads, key)
		delete(p.writes, key)
	}
}

// UseChain resolves name through the registry and registers the result.
func (p *Provider) UseChain(name, rpcOverride string) (registry.Descriptor, error) {
	d, err := p.ChainFromName(name, rpcOverride)
	if err != nil {
		return registry.Descriptor{}, err
	}
	p.AddChain(map[string]registry.Descriptor{normalizeChain(name): d})
	return p.Descriptor(name)
}

// ChainFromName resolves a chain name without registering it.
func (p *Provider) ChainFromName(name, rpcOverride string) (registry.Descriptor, error) {
	return p.registry.Resolve(name, rpcOverride)
}

func (p *Provider) IsRegistered(name string) bool {
	_, err := p.Descriptor(name)
	return err == nil
}

// Descriptor returns the descriptor registered under name.
func (p *Provider) Descriptor(name string) (registry.Descriptor, error) {
	key := normalizeChain(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.chains[key]
	if !ok {
		return registry.Descriptor{}, unregistered(name)
	}
	return d, nil
}

// Chains lists registered chain names in sorted order.
func (p *Provider) Chains() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.chains))
	for name := range p.chains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadClient returns the memoised read client for chain, dialing on first use.
// The caller must Release it when done.
func (p *Provider) ReadClient(ctx context.Context, chain string) (*ReadClient, error) {
	for {
		c, err := p.readClient(ctx, chain)
		if err != nil {
			return nil, err
		}
		// A client retired between lookup and acquire is already closed.
		if c.acquire() {
			return c, nil
		}
	}
}

func (p *Provider) readClient(ctx context.Context, chain string) (*ReadClient, error) {
	key := normalizeChain(chain)
	p.mu.Lock()
	d, ok := p.chains[key]
	if !ok {
		p.mu.Unlock()
		return nil, unregistered(chain)
	}
	if c := p.reads[key]; c != nil {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	flight := fmt.Sprintf("%s|%d|%s", key, d.ChainID, d.RPCURL)
	v, err, _ := p.builds.Do(flight, func() (any, error) {
		p.mu.Lock()
		if c := p.reads[key]; c != nil && c.chain == d {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		backend, err := p.dial(context.WithoutCancel(ctx), d.RPCURL)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("connect rpc for %s", key), err)
		}
		c := &ReadClient{Backend: backend, chain: d}

		p.mu.Lock()
		defer p.mu.Unlock()
		if current, ok := p.chains[key]; ok && current == d {
			p.reads[key] = c
		} else {
			// Re-registered during the dial: serve this call, then close.
			c.retired = true
		}
		p.logger.Debug().Str("chain", key).Msg("read client built")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReadClient), nil
}

// WriteClient returns the memoised signing client for chain. It shares the
// chain's read client; releasing the write client releases that read client.
func (p *Provider) WriteClient(ctx context.Context, chain string) (*WriteClient, error) {
	if p.signer == nil {
		return nil, clierr.New(clierr.CodeSigner, "wallet is read-only: no signing key configured")
	}
	read, err := p.ReadClient(ctx, chain)
	if err != nil {
		return nil, err
	}
	key := normalizeChain(chain)
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.writes[key]; w != nil && w.ReadClient == read {
		return w, nil
	}
	w := &WriteClient{
		ReadClient: read,
		signer:     p.signer,
		opts:       p.txOpts,
		nonceMu:    p.nonceLockLocked(read.chain.ChainID),
	}
	if p.reads[key] == read {
		p.writes[key] = w
	}
	return w, nil
}

// Balance returns the signer's native balance on chain. An RPC failure yields
// a nil balance and no error; only an unregistered chain is an error.
func (p *Provider) Balance(ctx context.Context, chain string) (*Balance, error) {
	if p.signer == nil {
		return nil, clierr.New(clierr.CodeSigner, "wallet is read-only: no signing key configured")
	}
	return p.BalanceOf(ctx, chain, p.Address().Hex())
}

// BalanceOf returns the native balance of address on chain with the same
// failure rules as Balance.
func (p *Provider) BalanceOf(ctx context.Context, chain, address string) (*Balance, error) {
	if !keys.IsValidAddress(address) {
		return nil, clierr.Invalid(clierr.KindInvalidRecipient, fmt.Sprintf("invalid address %q", address))
	}
	d, err := p.Descriptor(chain)
	if err != nil {
		return nil, err
	}
	client, err := p.ReadClient(ctx, chain)
	if err != nil {
		p.logger.Warn().Err(err).Str("chain", d.Name).Msg("balance unavailable")
		return nil, nil
	}
	defer client.Release()
	wei, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		p.logger.Warn().Err(err).Str("chain", d.Name).Msg("balance unavailable")
		return nil, nil
	}
	return newBalance(d, address, wei), nil
}

// AllBalances fetches the signer's balance on every registered chain in
// parallel. Chains whose lookup failed map to nil.
func (p *Provider) AllBalances(ctx context.Context) map[string]*Balance {
	return p.BalancesFor(ctx, p.Chains())
}

// BalancesFor is AllBalances restricted to chains. Other registered chains are
// not contacted.
func (p *Provider) BalancesFor(ctx context.Context, chains []string) map[string]*Balance {
	out := make(map[string]*Balance, len(chains))
	var mu sync.Mutex
	var g errgroup.Group
	for _, chain := range chains {
		g.Go(func() error {
			b, err := p.Balance(ctx, chain)
			if err != nil {
				p.logger.Warn().Err(err).Str("chain", chain).Msg("balance failed")
				b = nil
			}
			mu.Lock()
			out[chain] = b
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Provider) nonceLockLocked(chainID int64) *sync.Mutex {
	m, ok := p.nonceLocks[chainID]
	if !ok {
		m = &sync.Mutex{}
		p.nonceLocks[chainID] = m
	}
	return m
}

// Balance is a native-currency balance on one chain.
type Balance struct {
	Chain     string `json:"chain"`
	ChainID   int64  `json:"chain_id"`
	Address   string `json:"address"`
	Symbol    string `json:"symbol"`
	Decimals  int    `json:"decimals"`
	BaseUnits string `json:"base_units"`
	Amount    string `json:"amount"`
}

func newBalance(d registry.Descriptor, address string, wei *big.Int) *Balance {
	return &Balance{
		Chain:     d.Name,
		ChainID:   d.ChainID,
		Address:   common.HexToAddress(address).Hex(),
		Symbol:    d.NativeSymbol,
		Decimals:  d.NativeDecimals,
		BaseUnits: wei.String(),
		Amount:    units.FormatUnits(wei, d.NativeDecimals),
	}
}

func unregistered(chain string) error {
	return clierr.Invalid(clierr.KindUnregisteredChain, fmt.Sprintf("chain %s is not registered", strings.TrimSpace(chain)))
}

func normalizeChain(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
