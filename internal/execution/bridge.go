package execution

import (
	"context"
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
	"github.com/ggonzalez94/evm-agent-wallet/internal/units"
)

// Bridger moves value between chains through a routing provider.
type Bridger struct {
	clients ChainClientProvider
	router  providers.Router
	opts    options
}

func NewBridger(clients ChainClientProvider, router providers.Router, opts ...Option) *Bridger {
	return &Bridger{clients: clients, router: router, opts: newOptions(log.Bridge, opts)}
}

// Validate checks the fields that need no chain access: identical chain
// names, then amount, then recipient.
func (req BridgeRequest) Validate() error {
	src := strings.ToLower(strings.TrimSpace(req.SourceChain))
	if src != "" && src == strings.ToLower(strings.TrimSpace(req.DestinationChain)) {
		return clierr.Invalid(clierr.KindSameChainBridge, fmt.Sprintf("cannot bridge from %s to itself", src))
	}
	if err := units.ValidateAmount(req.Amount); err != nil {
		return err
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient != "" && !keys.IsValidAddress(recipient) {
		return clierr.Invalid(clierr.KindInvalidRecipient, fmt.Sprintf("recipient %q is not a valid EVM address", req.Recipient))
	}
	return nil
}

// Bridge validates req, fetches a route and executes its steps in order on
// the source chain. It returns once the last source-chain transaction is
// confirmed; settlement on the destination is tracked separately.
//
// When a step fails after earlier steps confirmed, the partial result is
// returned together with the error.
func (b *Bridger) Bridge(ctx context.Context, req BridgeRequest, onProgress ProgressFunc) (BridgeResult, error) {
	if err := req.Validate(); err != nil {
		return BridgeResult{}, err
	}
	srcName := strings.ToLower(strings.TrimSpace(req.SourceChain))
	dstName := strings.ToLower(strings.TrimSpace(req.DestinationChain))
	recipient := strings.TrimSpace(req.Recipient)
	src, err := b.clients.Descriptor(srcName)
	if err != nil {
		return BridgeResult{}, clierr.Classify(err)
	}
	dst, err := b.clients.Descriptor(dstName)
	if err != nil {
		return BridgeResult{}, clierr.Classify(err)
	}
	if src.ChainID == dst.ChainID {
		return BridgeResult{}, clierr.Invalid(clierr.KindSameChainBridge, fmt.Sprintf("%s and %s are the same chain", src.Name, dst.Name))
	}

	client, err := b.clients.WriteClient(ctx, src.Name)
	if err != nil {
		return BridgeResult{}, clierr.Classify(err)
	}
	defer client.Release()
	fromAsset, err := resolveAsset(ctx, client, src, req.FromToken)
	if err != nil {
		return BridgeResult{}, clierr.Classify(err)
	}
	toAsset, err := destinationAsset(dst, fromAsset, req.ToToken)
	if err != nil {
		return BridgeResult{}, clierr.Classify(err)
	}
	amount, err := units.ToBaseUnits(req.Amount, fromAsset.Decimals)
	if err != nil {
		return BridgeResult{}, err
	}
	sender := client.Address().Hex()
	if recipient == "" {
		recipient = sender
	}

	routeReq := providers.RouteRequest{
		FromChainID:     src.ChainID,
		ToChainID:       dst.ChainID,
		FromToken:       fromAsset.Address,
		ToToken:         toAsset.Address,
		AmountBaseUnits: amount.String(),
		Sender:          sender,
		Recipient:       recipient,
		SlippageBps:     req.SlippageBps,
	}
	route, err := clierr.WithRetry(ctx, b.opts.retryAttempts, b.opts.retryBaseDelay, func(ctx context.Context) (providers.Route, error) {
		return b.router.Route(ctx, routeReq, client)
	})
	if err != nil {
		return BridgeResult{}, err
	}
	if len(route.Steps) == 0 {
		return BridgeResult{}, clierr.Invalid(clierr.KindNoRouteAvailable, "provider returned a route without steps")
	}

	action := NewAction(NewActionID(), IntentBridge, src.Name, src.CAIP2())
	action.Provider = route.Provider
	action.FromAddress = sender
	action.ToAddress = recipient
	action.Token = fromAsset.Symbol
	action.Amount = units.Normalize(req.Amount)
	action.InputAmount = amount.String()
	action.Metadata = map[string]any{
		"destination_chain":    dst.Name,
		"destination_chain_id": dst.CAIP2(),
		"to_token":             toAsset.Address,
		"route":                route.Name,
		"quote_id":             route.QuoteID,
		"to_amount_min":        route.ToAmountMin,
	}
	for _, rs := range route.Steps {
		if rs.ChainID != 0 && rs.ChainID != src.ChainID {
			return BridgeResult{}, clierr.Classify(clierr.New(clierr.CodeActionPlan, fmt.Sprintf("route step %s targets chain %d, expected %d", rs.ID, rs.ChainID, src.ChainID)))
		}
		action.Steps = append(action.Steps, ActionStep{
			StepID:          rs.ID,
			Type:            StepType(rs.Type),
			Status:          StepStatusPending,
			ChainID:         src.CAIP2(),
			Description:     rs.Description,
			Target:          rs.Target,
			Data:            rs.Data,
			Value:           rs.Value,
			ExpectedOutputs: rs.ExpectedOutputs,
		})
	}
	for i := range action.Steps {
		step := &action.Steps[i]
		data, err := decodeHex(step.Data)
		if err != nil {
			return BridgeResult{}, clierr.Classify(clierr.Wrap(clierr.CodeActionPlan, "decode step calldata", err))
		}
		if err := validateStepPolicy(&action, step, route.ApprovalSpender, data, b.opts.policy); err != nil {
			return BridgeResult{}, clierr.Classify(err)
		}
	}

	action.Status = ActionStatusRunning
	b.opts.save(ctx, &action)
	b.opts.logger.Info().Str("action_id", action.ActionID).Str("route", route.Name).Int("steps", len(action.Steps)).Msg("bridge started")

	result := BridgeResult{
		ActionID:         action.ActionID,
		From:             sender,
		To:               recipient,
		Amount:           action.Amount,
		Token:            fromAsset.Symbol,
		Chain:            src.Name,
		DestinationChain: dst.Name,
		Provider:         route.Provider,
		Route:            route.Name,
		ToAmountMin:      route.ToAmountMin,
	}
	total := len(action.Steps)
	for i := range action.Steps {
		step := &action.Steps[i]
		if err := b.opts.runStep(ctx, client, &action, step); err != nil {
			markStepFailed(&action, step, err.Error())
			classified := clierr.Classify(err)
			confirmed := action.ConfirmedHashes()
			if len(confirmed) > 0 {
				action.Status = ActionStatusPartial
				details := fmt.Sprintf("status=%s confirmed=%s", ActionStatusPartial, strings.Join(confirmed, ","))
				if classified.Details != "" {
					details += " " + classified.Details
				}
				classified = classified.WithDetails(details)
			}
			b.opts.save(ctx, &action)
			b.opts.logger.Warn().Err(err).Str("action_id", action.ActionID).Str("step", step.StepID).Msg("bridge step failed")
			if len(confirmed) == 0 {
				return BridgeResult{}, classified
			}
			result.Status = ActionStatusPartial
			result.TxHash = confirmed[len(confirmed)-1]
			result.Steps = stepResults(action.Steps)
			result.ExplorerURL = src.TxURL(result.TxHash)
			return result, classified
		}
		p := Progress{StepIndex: i + 1, TotalSteps: total}
		result.Progress = append(result.Progress, p)
		if onProgress != nil {
			onProgress(p)
		}
	}

	last := action.Steps[total-1]
	if bridge := last.ExpectedOutputs["settlement_bridge"]; bridge != "" {
		result.Bridge = bridge
		action.Metadata["settlement_bridge"] = bridge
	}
	action.Status = ActionStatusPendingDestination
	action.Touch()
	b.opts.save(ctx, &action)

	result.Status = ActionStatusPendingDestination
	result.TxHash = last.TxHash
	result.ExplorerURL = src.TxURL(last.TxHash)
	result.Steps = stepResults(action.Steps)
	return result, nil
}

// destinationAsset picks the token received on dst. An empty toToken mirrors
// the source token: native for native, the same symbol otherwise.
func destinationAsset(dst registry.Descriptor, from asset, toToken string) (asset, error) {
	token := strings.TrimSpace(toToken)
	if token == "" {
		if from.Native {
			return nativeAsset(dst), nil
		}
		token = from.Symbol
	}
	if isNativeToken(dst, token) {
		return nativeAsset(dst), nil
	}
	t, err := registry.ResolveToken(dst.ChainID, token)
	if err != nil {
		return asset{}, err
	}
	return asset{Symbol: firstNonEmpty(t.Symbol, t.Address), Address: t.Address, Decimals: t.Decimals}, nil
}

func stepResults(steps []ActionStep) []StepResult {
	out := make([]StepResult, 0, len(steps))
	for _, s := range steps {
		out = append(out, StepResult{StepID: s.StepID, Type: s.Type, Status: s.Status, TxHash: s.TxHash})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
