package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
)

var (
	chainNamePattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
)

// Descriptor is the immutable identity of one EVM network.
type Descriptor struct {
	Name           string `json:"name"`
	ChainID        int64  `json:"chain_id"`
	RPCURL         string `json:"rpc_url"`
	NativeSymbol   string `json:"native_symbol"`
	NativeDecimals int    `json:"native_decimals"`
	ExplorerURL    string `json:"explorer_url,omitempty"`
	Testnet        bool   `json:"testnet"`
	// TokenBalances marks the RPC endpoint as supporting alchemy_getTokenBalances
	// even when its host is not recognised.
	TokenBalances bool `json:"token_balances,omitempty"`
}

// CAIP2 returns the eip155 chain identifier.
func (d Descriptor) CAIP2() string {
	return fmt.Sprintf("eip155:%d", d.ChainID)
}

// TxURL links a transaction hash on the chain explorer, or returns "" when
// no explorer is known.
func (d Descriptor) TxURL(hash string) string {
	if strings.TrimSpace(d.ExplorerURL) == "" || strings.TrimSpace(hash) == "" {
		return ""
	}
	return strings.TrimSuffix(d.ExplorerURL, "/") + "/tx/" + hash
}

var builtinChains = []Descriptor{
	{Name: "ethereum", ChainID: 1, NativeSymbol: "ETH", ExplorerURL: "https://etherscan.io"},
	{Name: "optimism", ChainID: 10, NativeSymbol: "ETH", ExplorerURL: "https://optimistic.etherscan.io"},
	{Name: "bsc", ChainID: 56, NativeSymbol: "BNB", ExplorerURL: "https://bscscan.com"},
	{Name: "gnosis", ChainID: 100, NativeSymbol: "XDAI", ExplorerURL: "https://gnosisscan.io"},
	{Name: "polygon", ChainID: 137, NativeSymbol: "POL", ExplorerURL: "https://polygonscan.com"},
	{Name: "zksync", ChainID: 324, NativeSymbol: "ETH", ExplorerURL: "https://explorer.zksync.io"},
	{Name: "mantle", ChainID: 5000, NativeSymbol: "MNT", ExplorerURL: "https://mantlescan.xyz"},
	{Name: "base", ChainID: 8453, NativeSymbol: "ETH", ExplorerURL: "https://basescan.org"},
	{Name: "arbitrum", ChainID: 42161, NativeSymbol: "ETH", ExplorerURL: "https://arbiscan.io"},
	{Name: "celo", ChainID: 42220, NativeSymbol: "CELO", ExplorerURL: "https://celoscan.io"},
	{Name: "avalanche", ChainID: 43114, NativeSymbol: "AVAX", ExplorerURL: "https://snowtrace.io"},
	{Name: "linea", ChainID: 59144, NativeSymbol: "ETH", ExplorerURL: "https://lineascan.build"},
	{Name: "blast", ChainID: 81457, NativeSymbol: "ETH", ExplorerURL: "https://blastscan.io"},
	{Name: "taiko", ChainID: 167000, NativeSymbol: "ETH", ExplorerURL: "https://taikoscan.io"},
	{Name: "scroll", ChainID: 534352, NativeSymbol: "ETH", ExplorerURL: "https://scrollscan.com"},
	{Name: "holesky", ChainID: 17000, NativeSymbol: "ETH", ExplorerURL: "https://holesky.etherscan.io", Testnet: true},
	{Name: "polygon-amoy", ChainID: 80002, NativeSymbol: "POL", ExplorerURL: "https://amoy.polygonscan.com", Testnet: true},
	{Name: "base-sepolia", ChainID: 84532, NativeSymbol: "ETH", ExplorerURL: "https://sepolia.basescan.org", Testnet: true},
	{Name: "arbitrum-sepolia", ChainID: 421614, NativeSymbol: "ETH", ExplorerURL: "https://sepolia.arbiscan.io", Testnet: true},
	{Name: "sepolia", ChainID: 11155111, NativeSymbol: "ETH", ExplorerURL: "https://sepolia.etherscan.io", Testnet: true},
	{Name: "optimism-sepolia", ChainID: 11155420, NativeSymbol: "ETH", ExplorerURL: "https://sepolia-optimism.etherscan.io", Testnet: true},
}

var builtinAliases = map[string]string{
	"mainnet":    "ethereum",
	"eth":        "ethereum",
	"arb":        "arbitrum",
	"op":         "optimism",
	"matic":      "polygon",
	"avax":       "avalanche",
	"bnb":        "bsc",
	"amoy":       "polygon-amoy",
	"xdai":       "gnosis",
	"zksync-era": "zksync",
}

// Registry maps chain names to descriptors. Names and chain IDs are unique
// within one registry. A Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Descriptor
	aliases map[string]string
}

func New() *Registry {
	return &Registry{
		byName:  map[string]Descriptor{},
		aliases: map[string]string{},
	}
}

// NewDefault returns a registry seeded with the built-in mainnets and testnets.
func NewDefault() *Registry {
	r := New()
	for _, d := range builtinChains {
		if d.NativeDecimals == 0 {
			d.NativeDecimals = 18
		}
		if url, ok := DefaultRPCURL(d.ChainID); ok {
			d.RPCURL = url
		}
		r.byName[d.Name] = d
	}
	for alias, name := range builtinAliases {
		r.aliases[alias] = name
	}
	return r
}

// Register inserts or replaces the descriptor stored under name. It fails when
// another name already holds the same chain ID.
func (r *Registry) Register(name string, d Descriptor) error {
	key := normalizeName(name)
	if !chainNamePattern.MatchString(key) {
		return clierr.Invalid(clierr.KindInvalidChainName, fmt.Sprintf("invalid chain name %q", name))
	}
	if d.ChainID <= 0 {
		return clierr.Invalid(clierr.KindInvalidChainName, fmt.Sprintf("chain %s requires a positive chain id", key))
	}
	d.Name = key
	if d.NativeDecimals == 0 {
		d.NativeDecimals = 18
	}
	if strings.TrimSpace(d.NativeSymbol) == "" {
		d.NativeSymbol = "ETH"
	}
	if strings.TrimSpace(d.RPCURL) == "" {
		if url, ok := DefaultRPCURL(d.ChainID); ok {
			d.RPCURL = url
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for existing, other := range r.byName {
		if existing != key && other.ChainID == d.ChainID {
			return clierr.Invalid(clierr.KindInvalidChainName, fmt.Sprintf("chain id %d is already registered as %s", d.ChainID, existing))
		}
	}
	r.byName[key] = d
	delete(r.aliases, key)
	return nil
}

// Alias makes alias resolve to the registered chain name.
func (r *Registry) Alias(alias, name string) error {
	a := normalizeName(alias)
	n := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[n]; !ok {
		return clierr.Invalid(clierr.KindUnknownChain, fmt.Sprintf("unknown chain %s", name))
	}
	if _, ok := r.byName[a]; ok {
		return clierr.Invalid(clierr.KindInvalidChainName, fmt.Sprintf("alias %s collides with a chain name", alias))
	}
	r.aliases[a] = n
	return nil
}

// Lookup returns the descriptor registered under name or one of its aliases.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	key := normalizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byName[key]; ok {
		return d, true
	}
	if target, ok := r.aliases[key]; ok {
		d, ok := r.byName[target]
		return d, ok
	}
	return Descriptor{}, false
}

// LookupID returns the descriptor registered for chainID.
func (r *Registry) LookupID(chainID int64) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.byName {
		if d.ChainID == chainID {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Resolve turns a user supplied chain name into a descriptor without mutating
// the registry. A non-empty rpcOverride replaces the descriptor's RPC URL.
func (r *Registry) Resolve(name, rpcOverride string) (Descriptor, error) {
	raw := strings.TrimSpace(name)
	if raw == "" {
		return Descriptor{}, clierr.Invalid(clierr.KindInvalidChainName, "chain is required")
	}
	key := normalizeName(raw)
	override := strings.TrimSpace(rpcOverride)

	if d, ok := r.Lookup(key); ok {
		if override != "" {
			d.RPCURL = override
		}
		return d, nil
	}

	if eip155ChainPattern.MatchString(key) {
		id, err := strconv.ParseInt(strings.TrimPrefix(key, "eip155:"), 10, 64)
		if err != nil || id <= 0 {
			return Descriptor{}, clierr.Invalid(clierr.KindInvalidChainName, fmt.Sprintf("invalid chain identifier %s", raw))
		}
		if d, ok := r.LookupID(id); ok {
			if override != "" {
				d.RPCURL = override
			}
			return d, nil
		}
		rpcURL, err := ResolveRPCURL(override, id)
		if err != nil {
			return Descriptor{}, clierr.Invalid(clierr.KindUnknownChain, err.Error())
		}
		return Descriptor{
			Name:           fmt.Sprintf("evm-%d", id),
			ChainID:        id,
			RPCURL:         rpcURL,
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
		}, nil
	}

	if !chainNamePattern.MatchString(key) {
		return Descriptor{}, clierr.Invalid(clierr.KindInvalidChainName, fmt.Sprintf("invalid chain name %q", raw))
	}
	return Descriptor{}, clierr.Invalid(clierr.KindUnknownChain, fmt.Sprintf("unknown chain %s", raw))
}

// List returns the registered chain names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListMainnets returns the sorted names of the non-testnet chains.
func (r *Registry) ListMainnets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name, d := range r.byName {
		if !d.Testnet {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Descriptors returns every registered descriptor ordered by name.
func (r *Registry) Descriptors() []Descriptor {
	names := r.List()
	out := make([]Descriptor, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if d, ok := r.byName[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
