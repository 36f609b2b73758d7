package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/model"
	"github.com/ggonzalez94/evm-agent-wallet/internal/policy"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/schema"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
)

// maxBroadcastSteps bounds how many receipts one command may wait for: an
// approval plus the bridge send.
const maxBroadcastSteps = 2

func (s *runtimeState) executionContext(opts wallet.TxOptions) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout+maxBroadcastSteps*opts.ReceiptTimeout)
}

func requireConfirmation(commandPath string, yes bool) error {
	if policy.RequiresConfirmation(commandPath) && !yes {
		return clierr.New(clierr.CodeUsage, commandPath+" requires --yes")
	}
	return nil
}

func logProgress(commandPath string) execution.ProgressFunc {
	return func(p execution.Progress) {
		log.CLI.Info().Str("command", commandPath).Int("step", p.StepIndex).Int("total", p.TotalSteps).Msg("step confirmed")
	}
}

func (s *runtimeState) newTransferCommand() *cobra.Command {
	var chainArg, tokenArg, amountArg, toArg string
	var yes bool
	var sf signerFlags
	var tf txFlags
	cmd := &cobra.Command{
		Use:         "transfer",
		Short:       "Send native currency or an ERC20 token",
		Annotations: map[string]string{schema.AnnotationSigner: "required"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			if err := requireConfirmation(path, yes); err != nil {
				return err
			}
			sig, err := s.loadSigner(sf)
			if err != nil {
				return err
			}
			opts, err := s.txOptions(tf)
			if err != nil {
				return err
			}
			ctx, cancel := s.executionContext(opts)
			defer cancel()
			res, err := s.newService(sig, &opts).Transfer(ctx, execution.TransferRequest{
				SourceChain: chainArg,
				Token:       tokenArg,
				Amount:      amountArg,
				Recipient:   toArg,
			}, logProgress(path))
			if err != nil {
				return err
			}
			return s.emitSuccess(path, res, nil, nil, false)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Source chain")
	cmd.Flags().StringVar(&tokenArg, "token", "", "Token symbol or address (defaults to native currency)")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount in decimal units")
	cmd.Flags().StringVar(&toArg, "to", "", "Recipient address")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm execution")
	sf.bind(cmd)
	tf.bind(cmd)
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (s *runtimeState) newBridgeCommand() *cobra.Command {
	root := &cobra.Command{Use: "bridge", Short: "Cross-chain transfers"}

	var fromArg, toArg, assetArg, toAssetArg, amountArg, recipientArg, providerArg string
	var slippageBps int64
	var allowMaxApproval, unsafeProviderTx, yes bool
	var sf signerFlags
	var tf txFlags
	run := &cobra.Command{
		Use:         "run",
		Short:       "Route and execute a bridge through the routing provider",
		Annotations: map[string]string{schema.AnnotationSigner: "required"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			if err := requireConfirmation(path, yes); err != nil {
				return err
			}
			bp, err := s.bridgeProvider(providerArg)
			if err != nil {
				return err
			}
			sig, err := s.loadSigner(sf)
			if err != nil {
				return err
			}
			opts, err := s.txOptions(tf)
			if err != nil {
				return err
			}
			svc := s.newServiceWithPolicy(sig, &opts, execution.PolicyOptions{
				AllowMaxApproval: allowMaxApproval,
				UnsafeProviderTx: unsafeProviderTx,
			}, bp)
			ctx, cancel := s.executionContext(opts)
			defer cancel()
			start := time.Now()
			res, err := svc.Bridge(ctx, execution.BridgeRequest{
				SourceChain:      fromArg,
				DestinationChain: toArg,
				FromToken:        assetArg,
				ToToken:          toAssetArg,
				Amount:           amountArg,
				Recipient:        recipientArg,
				SlippageBps:      slippageBps,
			}, logProgress(path))
			provider := res.Provider
			if provider == "" {
				provider = bp.Info().Name
			}
			statuses := []model.ProviderStatus{{Name: provider, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				partial := res.Status == execution.ActionStatusPartial
				if partial {
					s.lastData = res
				}
				s.captureCommandDiagnostics(nil, statuses, partial)
				return err
			}
			warnings := []string{fmt.Sprintf("funds arrive on %s after the bridge settles; check with bridge status --action-id %s", res.DestinationChain, res.ActionID)}
			s.captureCommandDiagnostics(warnings, statuses, false)
			return s.emitSuccess(path, res, warnings, statuses, false)
		},
	}
	run.Flags().StringVar(&fromArg, "from", "", "Source chain")
	run.Flags().StringVar(&toArg, "to", "", "Destination chain")
	run.Flags().StringVar(&assetArg, "asset", "", "Token on the source chain (symbol or address)")
	run.Flags().StringVar(&toAssetArg, "to-asset", "", "Token on the destination chain (defaults to the same symbol)")
	run.Flags().StringVar(&amountArg, "amount", "", "Amount in decimal units")
	run.Flags().StringVar(&recipientArg, "recipient", "", "Destination recipient (defaults to the signer)")
	run.Flags().StringVar(&providerArg, "provider", "", "Routing provider (lifi|across, default lifi)")
	run.Flags().Int64Var(&slippageBps, "slippage-bps", 50, "Max slippage in basis points")
	run.Flags().BoolVar(&allowMaxApproval, "allow-max-approval", false, "Permit approvals above the bridged amount")
	run.Flags().BoolVar(&unsafeProviderTx, "unsafe-provider-tx", false, "Skip provider target and endpoint checks")
	run.Flags().BoolVar(&yes, "yes", false, "Confirm execution")
	sf.bind(run)
	tf.bind(run)
	_ = run.MarkFlagRequired("from")
	_ = run.MarkFlagRequired("to")
	_ = run.MarkFlagRequired("asset")
	_ = run.MarkFlagRequired("amount")

	var statusActionID, statusTxHash, statusFrom, statusTo, statusBridge, statusProvider string
	status := &cobra.Command{
		Use:   "status",
		Short: "Destination settlement status of a bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, providerName, err := s.settlementRequest(statusActionID, statusTxHash, statusFrom, statusTo, statusBridge)
			if err != nil {
				return err
			}
			if strings.TrimSpace(statusProvider) != "" {
				providerName = statusProvider
			}
			bp, err := s.bridgeProvider(providerName)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			start := time.Now()
			out, err := s.newServiceWithPolicy(nil, nil, execution.PolicyOptions{}, bp).BridgeStatus(ctx, req)
			name := out.Provider
			if name == "" {
				name = bp.Info().Name
			}
			statuses := []model.ProviderStatus{{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			s.captureCommandDiagnostics(nil, statuses, false)
			if err != nil {
				return err
			}
			if strings.TrimSpace(statusActionID) != "" && out.State == providers.SettlementDone {
				s.markSettled(ctx, statusActionID)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), out, nil, statuses, false)
		},
	}
	status.Flags().StringVar(&statusActionID, "action-id", "", "Action identifier from bridge run")
	status.Flags().StringVar(&statusTxHash, "tx-hash", "", "Source chain bridge transaction hash")
	status.Flags().StringVar(&statusFrom, "from", "", "Source chain (with --tx-hash)")
	status.Flags().StringVar(&statusTo, "to", "", "Destination chain (with --tx-hash)")
	status.Flags().StringVar(&statusBridge, "bridge", "", "Bridge tool reported by bridge run")
	status.Flags().StringVar(&statusProvider, "provider", "", "Routing provider (defaults to the action's provider, else lifi)")

	root.AddCommand(run)
	root.AddCommand(status)
	return root
}

// settlementRequest builds a status query from a stored action or from
// explicit flags. The provider name is the one recorded on the action.
func (s *runtimeState) settlementRequest(actionID, txHash, from, to, bridge string) (providers.SettlementRequest, string, error) {
	svc := s.newService(nil, nil)
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		if strings.TrimSpace(txHash) == "" {
			return providers.SettlementRequest{}, "", clierr.New(clierr.CodeUsage, "provide --action-id or --tx-hash")
		}
		req := providers.SettlementRequest{TxHash: strings.TrimSpace(txHash), Bridge: strings.TrimSpace(bridge)}
		if strings.TrimSpace(from) != "" {
			d, err := svc.Chain(from)
			if err != nil {
				return providers.SettlementRequest{}, "", err
			}
			req.FromChainID = d.ChainID
		}
		if strings.TrimSpace(to) != "" {
			d, err := svc.Chain(to)
			if err != nil {
				return providers.SettlementRequest{}, "", err
			}
			req.ToChainID = d.ChainID
		}
		return req, "", nil
	}

	action, err := s.actionStore.Get(context.Background(), actionID)
	if err != nil {
		return providers.SettlementRequest{}, "", clierr.Wrap(clierr.CodeUsage, "load action", err)
	}
	if action.IntentType != execution.IntentBridge {
		return providers.SettlementRequest{}, "", clierr.New(clierr.CodeUsage, "action is not a bridge intent")
	}
	req := providers.SettlementRequest{Bridge: metadataString(action.Metadata, "settlement_bridge")}
	for _, step := range action.Steps {
		if step.Type == execution.StepTypeBridge && step.TxHash != "" {
			req.TxHash = step.TxHash
		}
	}
	if req.TxHash == "" {
		return providers.SettlementRequest{}, "", clierr.New(clierr.CodeUsage, "action has no submitted bridge transaction")
	}
	if src, err := svc.Chain(action.Chain); err == nil {
		req.FromChainID = src.ChainID
	}
	if dst, err := svc.Chain(metadataString(action.Metadata, "destination_chain")); err == nil {
		req.ToChainID = dst.ChainID
	}
	return req, action.Provider, nil
}

func (s *runtimeState) markSettled(ctx context.Context, actionID string) {
	action, err := s.actionStore.Get(ctx, actionID)
	if err != nil || action.Status != execution.ActionStatusPendingDestination {
		return
	}
	action.Status = execution.ActionStatusCompleted
	action.Touch()
	if err := s.actionStore.Save(ctx, action); err != nil {
		log.CLI.Warn().Err(err).Str("action_id", actionID).Msg("could not record settlement")
	}
}

func metadataString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (s *runtimeState) newActionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "actions", Short: "Transfer and bridge history"}

	var statusArg, intentArg string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded actions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.actionStore.List(context.Background(), execution.ListFilter{
				Status: strings.TrimSpace(statusArg),
				Intent: strings.TrimSpace(intentArg),
				Limit:  limit,
			})
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list actions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}
	list.Flags().StringVar(&statusArg, "status", "", "Filter by status")
	list.Flags().StringVar(&intentArg, "intent", "", "Filter by intent (transfer|bridge)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of actions")

	show := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show one recorded action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := s.actionStore.Get(context.Background(), strings.TrimSpace(args[0]))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load action", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, nil, false)
		},
	}

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}
