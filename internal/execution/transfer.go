package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/units"
)

// Transferer sends native or ERC20 value on a single chain.
type Transferer struct {
	clients ChainClientProvider
	opts    options
}

// Validate checks the fields that need no chain access, amount first and
// then recipient.
func (req TransferRequest) Validate() error {
	if err := units.ValidateAmount(req.Amount); err != nil {
		return err
	}
	if !keys.IsValidAddress(strings.TrimSpace(req.Recipient)) {
		return clierr.Invalid(clierr.KindInvalidRecipient, fmt.Sprintf("recipient %q is not a valid EVM address", req.Recipient))
	}
	return nil
}

func NewTransferer(clients ChainClientProvider, opts ...Option) *Transferer {
	return &Transferer{clients: clients, opts: newOptions(log.Exec, opts)}
}

// Transfer validates req, submits exactly one transaction and waits for its
// receipt. Validation runs before any client is built, in the order amount,
// recipient, chain. onProgress may be nil. Returned errors are classified.
func (t *Transferer) Transfer(ctx context.Context, req TransferRequest, onProgress ProgressFunc) (TransferResult, error) {
	if err := req.Validate(); err != nil {
		return TransferResult{}, err
	}
	recipient := strings.TrimSpace(req.Recipient)
	d, err := t.clients.Descriptor(req.SourceChain)
	if err != nil {
		return TransferResult{}, clierr.Classify(err)
	}

	client, err := t.clients.WriteClient(ctx, d.Name)
	if err != nil {
		return TransferResult{}, clierr.Classify(err)
	}
	defer client.Release()
	token, err := resolveAsset(ctx, client, d, req.Token)
	if err != nil {
		return TransferResult{}, clierr.Classify(err)
	}
	amount, err := units.ToBaseUnits(req.Amount, token.Decimals)
	if err != nil {
		return TransferResult{}, err
	}

	step := ActionStep{
		StepID:  "transfer",
		Type:    StepTypeTransfer,
		Status:  StepStatusPending,
		ChainID: d.CAIP2(),
	}
	to := common.HexToAddress(recipient)
	if token.Native {
		step.Description = fmt.Sprintf("Send %s %s", units.Normalize(req.Amount), token.Symbol)
		step.Target = to.Hex()
		step.Data = "0x"
		step.Value = amount.String()
	} else {
		data, err := policyERC20ABI.Pack("transfer", to, amount)
		if err != nil {
			return TransferResult{}, clierr.Classify(clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err))
		}
		step.Description = fmt.Sprintf("Transfer %s %s", units.Normalize(req.Amount), token.Symbol)
		step.Target = token.Address
		step.Data = "0x" + common.Bytes2Hex(data)
		step.Value = "0"
	}

	action := NewAction(NewActionID(), IntentTransfer, d.Name, d.CAIP2())
	action.Status = ActionStatusRunning
	action.FromAddress = client.Address().Hex()
	action.ToAddress = to.Hex()
	action.Token = token.Symbol
	action.Amount = units.Normalize(req.Amount)
	action.InputAmount = amount.String()
	action.Steps = append(action.Steps, step)
	t.opts.save(ctx, &action)

	current := &action.Steps[0]
	if err := t.opts.runStep(ctx, client, &action, current); err != nil {
		markStepFailed(&action, current, err.Error())
		t.opts.save(ctx, &action)
		t.opts.logger.Warn().Err(err).Str("action_id", action.ActionID).Msg("transfer failed")
		return TransferResult{}, clierr.Classify(err)
	}
	action.Status = ActionStatusCompleted
	action.Touch()
	t.opts.save(ctx, &action)
	if onProgress != nil {
		onProgress(Progress{StepIndex: 1, TotalSteps: 1})
	}

	return TransferResult{
		ActionID:    action.ActionID,
		TxHash:      current.TxHash,
		From:        action.FromAddress,
		To:          action.ToAddress,
		Amount:      action.Amount,
		Token:       token.Symbol,
		Chain:       d.Name,
		ExplorerURL: d.TxURL(current.TxHash),
	}, nil
}
