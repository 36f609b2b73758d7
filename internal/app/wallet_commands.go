package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/model"
	"github.com/ggonzalez94/evm-agent-wallet/internal/schema"
	"github.com/ggonzalez94/evm-agent-wallet/internal/service"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
)

func (s *runtimeState) newChainsCommand() *cobra.Command {
	root := &cobra.Command{Use: "chains", Short: "Supported networks"}

	var includeTestnets bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List supported chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			all := s.newService(nil, nil).SupportedChains()
			items := make([]service.ChainInfo, 0, len(all))
			for _, c := range all {
				if c.Testnet && !includeTestnets {
					continue
				}
				items = append(items, c)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}
	list.Flags().BoolVar(&includeTestnets, "testnets", false, "Include test networks")

	show := &cobra.Command{
		Use:   "show <chain>",
		Short: "Show one chain by name, alias, chain id or CAIP-2",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.newService(nil, nil).Chain(args[0])
			if err != nil {
				return err
			}
			data := map[string]any{
				"name":           d.Name,
				"chain_id":       d.ChainID,
				"caip2":          d.CAIP2(),
				"rpc_url":        d.RPCURL,
				"native_symbol":  d.NativeSymbol,
				"native_decimal": d.NativeDecimals,
				"explorer_url":   d.ExplorerURL,
				"testnet":        d.Testnet,
				"token_balances": d.TokenBalances,
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil, false)
		},
	}

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Key material and balances"}

	var createChain string
	var createRedact bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Generate a new private key (printed once, never stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := s.newService(nil, nil).CreateWallet(createChain)
			if err != nil {
				return err
			}
			if createRedact {
				w = w.Redacted()
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), w, nil, nil, false)
		},
	}
	create.Flags().StringVar(&createChain, "chain", "ethereum", "Chain the wallet is intended for")
	create.Flags().BoolVar(&createRedact, "redact", false, "Omit the private key from output")

	var importChain string
	var importReveal bool
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Derive a wallet from a private key read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := s.runner.readSecret("Private key")
			if err != nil {
				return err
			}
			if key == "" {
				return clierr.Invalid(clierr.KindInvalidPrivateKey, "no private key on stdin")
			}
			w, err := s.newService(nil, nil).ImportWallet(key, importChain)
			if err != nil {
				return err
			}
			if !importReveal {
				w = w.Redacted()
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), w, nil, nil, false)
		},
	}
	importCmd.Flags().StringVar(&importChain, "chain", "ethereum", "Chain the wallet is intended for")
	importCmd.Flags().BoolVar(&importReveal, "reveal", false, "Echo the private key in output")

	var addrSigner signerFlags
	address := &cobra.Command{
		Use:         "address",
		Short:       "Print the configured signer address",
		Annotations: map[string]string{schema.AnnotationSigner: "required"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := s.loadSigner(addrSigner)
			if err != nil {
				return err
			}
			data := model.WalletAddress{Address: sig.Address().Hex(), Source: addrSigner.keySource}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil, false)
		},
	}
	addrSigner.bind(address)

	var balChain, balAddress string
	var balSigner signerFlags
	balance := &cobra.Command{
		Use:         "balance",
		Short:       "Native balance on one chain",
		Annotations: map[string]string{schema.AnnotationSigner: "optional"},
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := strings.TrimSpace(balAddress)
			if addr == "" {
				sig, err := s.loadSigner(balSigner)
				if err != nil {
					return err
				}
				addr = sig.Address().Hex()
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			b, err := s.newService(nil, nil).WalletBalance(ctx, addr, balChain)
			if err != nil {
				return err
			}
			entry := balanceEntry(balChain, b)
			var warnings []string
			if b == nil {
				entry.Address = addr
				warnings = []string{fmt.Sprintf("%s: rpc unavailable, balance unknown", entry.Chain)}
			}
			s.captureCommandDiagnostics(warnings, nil, b == nil)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entry, warnings, nil, b == nil)
		},
	}
	balance.Flags().StringVar(&balChain, "chain", "", "Chain name, alias, id or CAIP-2")
	balance.Flags().StringVar(&balAddress, "address", "", "Address to query (defaults to the signer)")
	balSigner.bind(balance)
	_ = balance.MarkFlagRequired("chain")

	var balancesChains string
	var balancesSigner signerFlags
	balances := &cobra.Command{
		Use:         "balances",
		Short:       "Signer native balance across chains",
		Annotations: map[string]string{schema.AnnotationSigner: "required"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := s.loadSigner(balancesSigner)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			all, err := s.newService(sig, nil).Balances(ctx, splitCSV(balancesChains)...)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(all))
			for name := range all {
				names = append(names, name)
			}
			sort.Strings(names)
			entries := make([]model.BalanceEntry, 0, len(names))
			var warnings []string
			for _, name := range names {
				entry := balanceEntry(name, all[name])
				if !entry.Available {
					entry.Address = sig.Address().Hex()
					warnings = append(warnings, fmt.Sprintf("%s: rpc unavailable, balance unknown", name))
				}
				entries = append(entries, entry)
			}
			partial := len(warnings) > 0
			s.captureCommandDiagnostics(warnings, nil, partial)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entries, warnings, nil, partial)
		},
	}
	balances.Flags().StringVar(&balancesChains, "chains", "", "Chains to query (comma-separated, defaults to all mainnets)")
	balancesSigner.bind(balances)

	var tokensChain, tokensAddress string
	var tokensSigner signerFlags
	tokensCmd := &cobra.Command{
		Use:         "tokens",
		Short:       "Non-zero ERC20 balances on one chain",
		Annotations: map[string]string{schema.AnnotationSigner: "optional"},
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := strings.TrimSpace(tokensAddress)
			if addr == "" {
				sig, err := s.loadSigner(tokensSigner)
				if err != nil {
					return err
				}
				addr = sig.Address().Hex()
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			items, err := s.newService(nil, nil).Tokens(ctx, addr, tokensChain)
			if err != nil {
				return err
			}
			log.CLI.Debug().Str("chain", tokensChain).Int("tokens", len(items)).Msg("token balances listed")
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}
	tokensCmd.Flags().StringVar(&tokensChain, "chain", "", "Chain name, alias, id or CAIP-2")
	tokensCmd.Flags().StringVar(&tokensAddress, "address", "", "Address to query (defaults to the signer)")
	tokensSigner.bind(tokensCmd)
	_ = tokensCmd.MarkFlagRequired("chain")

	root.AddCommand(create)
	root.AddCommand(importCmd)
	root.AddCommand(address)
	root.AddCommand(balance)
	root.AddCommand(balances)
	root.AddCommand(tokensCmd)
	return root
}

func (s *runtimeState) newKeysCommand() *cobra.Command {
	root := &cobra.Command{Use: "keys", Short: "Private key hygiene"}
	detect := &cobra.Command{
		Use:   "detect [text...]",
		Short: "Scan text (arguments or stdin) for private keys, reporting addresses only",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				in, err := s.runner.readSecret("Text")
				if err != nil {
					return err
				}
				text = in
			}
			found := s.newService(nil, nil).DetectPrivateKeys(text)
			scan := model.KeyScan{Count: len(found), Matches: make([]model.KeyMatch, 0, len(found))}
			for _, d := range found {
				match := model.KeyMatch{Format: d.Format}
				if w, err := keys.ImportPrivateKey(d.Normalized, ""); err == nil {
					match.Address = w.Address
				}
				scan.Matches = append(scan.Matches, match)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), scan, nil, nil, false)
		},
	}
	root.AddCommand(detect)
	return root
}

func balanceEntry(chain string, b *wallet.Balance) model.BalanceEntry {
	if b == nil {
		return model.BalanceEntry{Chain: chain, Available: false}
	}
	return model.BalanceEntry{
		Chain:     b.Chain,
		ChainID:   b.ChainID,
		Address:   b.Address,
		Symbol:    b.Symbol,
		Amount:    b.Amount,
		BaseUnits: b.BaseUnits,
		Available: true,
	}
}
