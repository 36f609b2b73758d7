package registry

import (
	"fmt"
	"strings"
)

// Public RPC endpoints used when neither config nor flags provide one.
var defaultRPCByChainID = map[int64]string{
	1:        "https://eth.llamarpc.com",
	10:       "https://mainnet.optimism.io",
	56:       "https://bsc-dataseed.binance.org",
	100:      "https://rpc.gnosischain.com",
	137:      "https://polygon-rpc.com",
	324:      "https://mainnet.era.zksync.io",
	5000:     "https://rpc.mantle.xyz",
	8453:     "https://mainnet.base.org",
	17000:    "https://ethereum-holesky-rpc.publicnode.com",
	42161:    "https://arb1.arbitrum.io/rpc",
	42220:    "https://forno.celo.org",
	43114:    "https://api.avax.network/ext/bc/C/rpc",
	59144:    "https://rpc.linea.build",
	80002:    "https://rpc-amoy.polygon.technology",
	81457:    "https://rpc.blast.io",
	84532:    "https://sepolia.base.org",
	167000:   "https://rpc.mainnet.taiko.xyz",
	421614:   "https://sepolia-rollup.arbitrum.io/rpc",
	534352:   "https://rpc.scroll.io",
	11155111: "https://ethereum-sepolia-rpc.publicnode.com",
	11155420: "https://sepolia.optimism.io",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; provide an rpc url", chainID)
}
