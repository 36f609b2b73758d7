package tokens

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/evm-agent-wallet/internal/cache"
	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
	"github.com/ggonzalez94/evm-agent-wallet/internal/units"
)

var (
	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
)

func mustERC20ABI() abi.ABI {
	erc20ABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(registry.ERC20ABI))
		if err != nil {
			panic(err)
		}
		erc20ABI = parsed
	})
	return erc20ABI
}

// TokenBalance is a non-zero ERC20 holding.
type TokenBalance struct {
	Contract  string `json:"contract"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Decimals  int    `json:"decimals"`
	BaseUnits string `json:"base_units"`
	Amount    string `json:"amount"`
}

// MetadataCache stores token metadata between runs. *cache.Store implements it.
type MetadataCache interface {
	GetToken(ctx context.Context, chainID int64, address string) (cache.TokenMetadata, bool, error)
	PutToken(ctx context.Context, meta cache.TokenMetadata, ttl time.Duration) error
}

// Enumerator lists ERC20 balances through the alchemy_getTokenBalances
// extension, which only some RPC providers expose.
type Enumerator struct {
	supports func(rpcURL string) bool
	cache    MetadataCache
	ttl      time.Duration
	logger   zerolog.Logger
}

type Option func(*Enumerator)

// WithSupportCheck replaces the RPC fingerprint used to decide whether the
// endpoint understands alchemy_getTokenBalances.
func WithSupportCheck(fn func(rpcURL string) bool) Option {
	return func(e *Enumerator) {
		if fn != nil {
			e.supports = fn
		}
	}
}

func WithCache(c MetadataCache, ttl time.Duration) Option {
	return func(e *Enumerator) {
		e.cache = c
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Enumerator) { e.logger = l }
}

func New(opts ...Option) *Enumerator {
	e := &Enumerator{
		supports: registry.SupportsTokenBalances,
		ttl:      7 * 24 * time.Hour,
		logger:   log.Tokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supported reports whether ListNonZero will query rpcURL.
func (e *Enumerator) Supported(rpcURL string) bool {
	return e.supports(rpcURL)
}

// ListNonZero returns the non-zero ERC20 balances of address. Endpoints
// without the introspection extension yield an empty list. Tokens whose
// metadata cannot be read are logged and skipped.
func (e *Enumerator) ListNonZero(ctx context.Context, address, rpcURL string) ([]TokenBalance, error) {
	if !e.supports(rpcURL) {
		return []TokenBalance{}, nil
	}
	return e.list(ctx, address, rpcURL, 0)
}

// ListForChain is ListNonZero for a registered chain. A descriptor marked
// with TokenBalances is queried even when its host is not recognised.
func (e *Enumerator) ListForChain(ctx context.Context, address string, d registry.Descriptor) ([]TokenBalance, error) {
	if !d.TokenBalances && !e.supports(d.RPCURL) {
		return []TokenBalance{}, nil
	}
	return e.list(ctx, address, d.RPCURL, d.ChainID)
}

type alchemyBalances struct {
	Address       string `json:"address"`
	TokenBalances []struct {
		ContractAddress string  `json:"contractAddress"`
		TokenBalance    *string `json:"tokenBalance"`
		Error           any     `json:"error"`
	} `json:"tokenBalances"`
}

func (e *Enumerator) list(ctx context.Context, address, rpcURL string, chainID int64) ([]TokenBalance, error) {
	if !keys.IsValidAddress(address) {
		return nil, clierr.Invalid(clierr.KindInvalidRecipient, fmt.Sprintf("invalid address %q", address))
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	defer rpcClient.Close()

	var resp alchemyBalances
	if err := rpcClient.CallContext(ctx, &resp, "alchemy_getTokenBalances", address, "erc20"); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "alchemy_getTokenBalances", err)
	}

	client := ethclient.NewClient(rpcClient)
	if chainID == 0 && e.cache != nil {
		if id, err := client.ChainID(ctx); err == nil {
			chainID = id.Int64()
		}
	}

	out := make([]TokenBalance, 0, len(resp.TokenBalances))
	for _, item := range resp.TokenBalances {
		if item.Error != nil || item.TokenBalance == nil {
			continue
		}
		amount, err := hexutil.DecodeBig(trimHexZeros(*item.TokenBalance))
		if err != nil || amount.Sign() == 0 {
			continue
		}
		contract := common.HexToAddress(item.ContractAddress)
		meta, err := e.metadata(ctx, client, chainID, contract)
		if err != nil {
			e.logger.Warn().Err(err).Str("contract", contract.Hex()).Msg("skipping token with unreadable metadata")
			continue
		}
		out = append(out, TokenBalance{
			Contract:  contract.Hex(),
			Name:      meta.Name,
			Symbol:    meta.Symbol,
			Decimals:  meta.Decimals,
			BaseUnits: amount.String(),
			Amount:    units.FormatUnits(amount, meta.Decimals),
		})
	}
	return out, nil
}

func (e *Enumerator) metadata(ctx context.Context, client ethereum.ContractCaller, chainID int64, contract common.Address) (cache.TokenMetadata, error) {
	if e.cache != nil && chainID != 0 {
		if meta, ok, err := e.cache.GetToken(ctx, chainID, contract.Hex()); err == nil && ok {
			return meta, nil
		}
	}
	meta, err := ReadMetadata(ctx, client, contract)
	if err != nil {
		return cache.TokenMetadata{}, err
	}
	meta.ChainID = chainID
	if e.cache != nil && chainID != 0 {
		if err := e.cache.PutToken(ctx, meta, e.ttl); err != nil {
			e.logger.Debug().Err(err).Msg("token metadata cache write failed")
		}
	}
	return meta, nil
}

// ReadMetadata fetches name, symbol and decimals of an ERC20 contract.
func ReadMetadata(ctx context.Context, client ethereum.ContractCaller, contract common.Address) (cache.TokenMetadata, error) {
	name, err := callString(ctx, client, contract, "name")
	if err != nil {
		return cache.TokenMetadata{}, err
	}
	symbol, err := callString(ctx, client, contract, "symbol")
	if err != nil {
		return cache.TokenMetadata{}, err
	}
	decimals, err := ReadDecimals(ctx, client, contract)
	if err != nil {
		return cache.TokenMetadata{}, err
	}
	return cache.TokenMetadata{Address: contract.Hex(), Name: name, Symbol: symbol, Decimals: decimals}, nil
}

// ReadDecimals calls decimals() on an ERC20 contract.
func ReadDecimals(ctx context.Context, client ethereum.ContractCaller, contract common.Address) (int, error) {
	out, err := call(ctx, client, contract, "decimals")
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decode decimals of %s", contract.Hex())
	}
	return int(v), nil
}

// ReadBalance calls balanceOf(owner) on an ERC20 contract.
func ReadBalance(ctx context.Context, client ethereum.ContractCaller, contract, owner common.Address) (*big.Int, error) {
	out, err := call(ctx, client, contract, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf of %s", contract.Hex())
	}
	return v, nil
}

func callString(ctx context.Context, client ethereum.ContractCaller, contract common.Address, method string) (string, error) {
	out, err := call(ctx, client, contract, method)
	if err != nil {
		return "", err
	}
	v, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("decode %s of %s", method, contract.Hex())
	}
	return v, nil
}

func call(ctx context.Context, client ethereum.ContractCaller, contract common.Address, method string, args ...any) ([]any, error) {
	parsed := mustERC20ABI()
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s of %s: %w", method, contract.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result from %s", method, contract.Hex())
	}
	return out, nil
}

// trimHexZeros strips leading zero digits, which hexutil.DecodeBig rejects.
func trimHexZeros(v string) string {
	body := strings.TrimLeft(strings.TrimPrefix(strings.TrimSpace(v), "0x"), "0")
	if body == "" {
		return "0x0"
	}
	return "0x" + body
}
