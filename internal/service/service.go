// Package service is the surface the agent layer calls into. It composes the
// chain registry, the wallet provider, token enumeration and the transfer and
// bridge orchestrators, and guarantees that every error it returns is
// classified.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution/signer"
	"github.com/ggonzalez94/evm-agent-wallet/internal/httpx"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers/lifi"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
	"github.com/ggonzalez94/evm-agent-wallet/internal/tokens"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
)

// Config wires a Service. Every field is optional.
type Config struct {
	Registry *registry.Registry
	// Signer is nil for a read-only service.
	Signer    signer.Signer
	Dialer    wallet.Dialer
	TxOptions *wallet.TxOptions
	// RPCOverrides maps chain names to RPC URLs used instead of the defaults.
	RPCOverrides map[string]string

	HTTP        *httpx.Client
	LiFiAPIKey  string
	Router      providers.Router
	Settlements providers.SettlementTracker

	TokenCache    tokens.MetadataCache
	TokenCacheTTL time.Duration
	TokenSupport  func(rpcURL string) bool

	Store          execution.Recorder
	RetryAttempts  int
	RetryBaseDelay time.Duration
	Policy         execution.PolicyOptions

	Logger *zerolog.Logger
}

type Service struct {
	registry    *registry.Registry
	wallets     *wallet.Provider
	transfers   *execution.Transferer
	bridges     *execution.Bridger
	tokens      *tokens.Enumerator
	settlements providers.SettlementTracker
	overrides   map[string]string
	logger      zerolog.Logger
}

func New(cfg Config) *Service {
	reg := cfg.Registry
	if reg == nil {
		reg = registry.NewDefault()
	}
	logger := log.Wallet
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	walletOpts := []wallet.Option{wallet.WithLogger(logger)}
	if cfg.Dialer != nil {
		walletOpts = append(walletOpts, wallet.WithDialer(cfg.Dialer))
	}
	if cfg.TxOptions != nil {
		walletOpts = append(walletOpts, wallet.WithTxOptions(*cfg.TxOptions))
	}
	wallets := wallet.New(cfg.Signer, reg, walletOpts...)

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = httpx.New(15*time.Second, 2)
	}
	var lifiClient *lifi.Client
	router := cfg.Router
	if router == nil {
		lifiClient = lifi.New(httpClient, cfg.LiFiAPIKey)
		router = lifiClient
	}
	settlements := cfg.Settlements
	if settlements == nil {
		if lifiClient == nil {
			lifiClient = lifi.New(httpClient, cfg.LiFiAPIKey)
		}
		settlements = lifiClient
	}

	execOpts := []execution.Option{
		execution.WithStore(cfg.Store),
		execution.WithPolicy(cfg.Policy),
	}
	if cfg.RetryAttempts > 0 {
		execOpts = append(execOpts, execution.WithRouteRetry(cfg.RetryAttempts, cfg.RetryBaseDelay))
	}
	if cfg.Logger != nil {
		execOpts = append(execOpts, execution.WithLogger(*cfg.Logger))
	}

	tokenOpts := []tokens.Option{}
	if cfg.TokenCache != nil {
		tokenOpts = append(tokenOpts, tokens.WithCache(cfg.TokenCache, cfg.TokenCacheTTL))
	}
	if cfg.TokenSupport != nil {
		tokenOpts = append(tokenOpts, tokens.WithSupportCheck(cfg.TokenSupport))
	}
	if cfg.Logger != nil {
		tokenOpts = append(tokenOpts, tokens.WithLogger(*cfg.Logger))
	}

	overrides := make(map[string]string, len(cfg.RPCOverrides))
	for name, url := range cfg.RPCOverrides {
		if strings.TrimSpace(url) != "" {
			overrides[normalize(name)] = strings.TrimSpace(url)
		}
	}

	return &Service{
		registry:    reg,
		wallets:     wallets,
		transfers:   execution.NewTransferer(wallets, execOpts...),
		bridges:     execution.NewBridger(wallets, router, execOpts...),
		tokens:      tokens.New(tokenOpts...),
		settlements: settlements,
		overrides:   overrides,
		logger:      logger,
	}
}

// Address is the signing address, or "" for a read-only service.
func (s *Service) Address() string {
	if !s.wallets.HasSigner() {
		return ""
	}
	return s.wallets.Address().Hex()
}

// Wallets exposes the underlying provider for callers that need clients.
func (s *Service) Wallets() *wallet.Provider { return s.wallets }

// Close releases the RPC connections opened by the service.
func (s *Service) Close() { s.wallets.Close() }

// CreateWallet generates a fresh key bound to chain. The key is returned to
// the caller and never stored.
func (s *Service) CreateWallet(chain string) (keys.Wallet, error) {
	d, err := s.registry.Resolve(chain, "")
	if err != nil {
		return keys.Wallet{}, classify(err)
	}
	w, err := keys.Generate(d.Name)
	if err != nil {
		return keys.Wallet{}, classify(err)
	}
	s.logger.Info().Str("chain", d.Name).Str("address", w.Address).Msg("wallet created")
	return w, nil
}

// ImportWallet derives a wallet from an existing private key.
func (s *Service) ImportWallet(privateKey, chain string) (keys.Wallet, error) {
	d, err := s.registry.Resolve(chain, "")
	if err != nil {
		return keys.Wallet{}, classify(err)
	}
	w, err := keys.ImportPrivateKey(privateKey, d.Name)
	if err != nil {
		return keys.Wallet{}, classify(err)
	}
	s.logger.Info().Str("chain", d.Name).Str("address", w.Address).Msg("wallet imported")
	return w, nil
}

// WalletBalance returns the native balance of address on chain. A nil balance
// with a nil error means the chain's RPC could not be reached.
func (s *Service) WalletBalance(ctx context.Context, address, chain string) (*wallet.Balance, error) {
	if !keys.IsValidAddress(address) {
		return nil, clierr.Invalid(clierr.KindInvalidRecipient, fmt.Sprintf("invalid address %q", address))
	}
	d, err := s.useChain(chain)
	if err != nil {
		return nil, classify(err)
	}
	b, err := s.wallets.BalanceOf(ctx, d.Name, address)
	return b, classify(err)
}

// Balances returns the signer's native balance on each chain. With no chains
// given, every mainnet in the registry is queried. Unreachable chains map to
// nil.
func (s *Service) Balances(ctx context.Context, chains ...string) (map[string]*wallet.Balance, error) {
	if !s.wallets.HasSigner() {
		return nil, clierr.Invalid(clierr.KindInvalidPrivateKey, "no signing key configured")
	}
	if len(chains) == 0 {
		chains = s.registry.ListMainnets()
	}
	names := make([]string, 0, len(chains))
	for _, chain := range chains {
		d, err := s.useChain(chain)
		if err != nil {
			return nil, classify(err)
		}
		names = append(names, d.Name)
	}
	return s.wallets.BalancesFor(ctx, names), nil
}

// DetectPrivateKeys scans text for valid private keys.
func (s *Service) DetectPrivateKeys(text string) []keys.Detection {
	return keys.DetectPrivateKeys(text)
}

// Transfer validates req before the chain is resolved, so a bad amount or
// recipient is reported ahead of an unknown chain.
func (s *Service) Transfer(ctx context.Context, req execution.TransferRequest, onProgress execution.ProgressFunc) (execution.TransferResult, error) {
	if err := req.Validate(); err != nil {
		return execution.TransferResult{}, classify(err)
	}
	d, err := s.useChain(req.SourceChain)
	if err != nil {
		return execution.TransferResult{}, classify(err)
	}
	req.SourceChain = d.Name
	res, err := s.transfers.Transfer(ctx, req, onProgress)
	return res, classify(err)
}

func (s *Service) Bridge(ctx context.Context, req execution.BridgeRequest, onProgress execution.ProgressFunc) (execution.BridgeResult, error) {
	if err := req.Validate(); err != nil {
		return execution.BridgeResult{}, classify(err)
	}
	src, err := s.useChain(req.SourceChain)
	if err != nil {
		return execution.BridgeResult{}, classify(err)
	}
	dst, err := s.useChain(req.DestinationChain)
	if err != nil {
		return execution.BridgeResult{}, classify(err)
	}
	req.SourceChain, req.DestinationChain = src.Name, dst.Name
	res, err := s.bridges.Bridge(ctx, req, onProgress)
	return res, classify(err)
}

// BridgeStatus asks the routing service how far a bridge transfer has
// settled on the destination chain.
func (s *Service) BridgeStatus(ctx context.Context, req providers.SettlementRequest) (providers.Settlement, error) {
	if strings.TrimSpace(req.TxHash) == "" {
		return providers.Settlement{}, clierr.New(clierr.CodeUsage, "source transaction hash is required")
	}
	out, err := s.settlements.Settlement(ctx, req)
	return out, classify(err)
}

// Tokens lists the non-zero ERC20 balances of address on chain. Chains whose
// RPC lacks token introspection yield an empty list.
func (s *Service) Tokens(ctx context.Context, address, chain string) ([]tokens.TokenBalance, error) {
	if !keys.IsValidAddress(address) {
		return nil, clierr.Invalid(clierr.KindInvalidRecipient, fmt.Sprintf("invalid address %q", address))
	}
	d, err := s.useChain(chain)
	if err != nil {
		return nil, classify(err)
	}
	out, err := s.tokens.ListForChain(ctx, address, d)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// ChainInfo is one supported chain as reported to callers.
type ChainInfo struct {
	Name          string `json:"name"`
	ChainID       int64  `json:"chain_id"`
	CAIP2         string `json:"caip2"`
	NativeSymbol  string `json:"native_symbol"`
	ExplorerURL   string `json:"explorer_url,omitempty"`
	Testnet       bool   `json:"testnet"`
	TokenBalances bool   `json:"token_balances"`
}

// SupportedChains lists every chain in the registry ordered by name.
func (s *Service) SupportedChains() []ChainInfo {
	descriptors := s.registry.Descriptors()
	out := make([]ChainInfo, 0, len(descriptors))
	for _, d := range descriptors {
		if url, ok := s.overrides[d.Name]; ok {
			d.RPCURL = url
		}
		out = append(out, ChainInfo{
			Name:          d.Name,
			ChainID:       d.ChainID,
			CAIP2:         d.CAIP2(),
			NativeSymbol:  d.NativeSymbol,
			ExplorerURL:   d.ExplorerURL,
			Testnet:       d.Testnet,
			TokenBalances: d.TokenBalances || s.tokens.Supported(d.RPCURL),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsChainSupported reports whether name resolves to a known chain.
func (s *Service) IsChainSupported(name string) bool {
	_, ok := s.registry.Lookup(name)
	return ok
}

// Chain resolves name with any configured RPC override applied.
func (s *Service) Chain(name string) (registry.Descriptor, error) {
	d, err := s.resolve(name)
	return d, classify(err)
}

func (s *Service) resolve(chain string) (registry.Descriptor, error) {
	override := s.overrides[normalize(chain)]
	d, err := s.registry.Resolve(chain, override)
	if err != nil {
		return registry.Descriptor{}, err
	}
	if url, ok := s.overrides[d.Name]; ok && override == "" {
		d.RPCURL = url
	}
	return d, nil
}

// useChain registers chain with the wallet provider under its canonical name.
// Resolving is local and never touches the network.
func (s *Service) useChain(chain string) (registry.Descriptor, error) {
	d, err := s.resolve(chain)
	if err != nil {
		return registry.Descriptor{}, err
	}
	s.wallets.AddChain(map[string]registry.Descriptor{d.Name: d})
	return d, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	return clierr.Classify(err)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
