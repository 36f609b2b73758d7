package execution

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
)

// PolicyOptions relaxes the checks applied to provider-built steps.
type PolicyOptions struct {
	// AllowMaxApproval permits approvals larger than the bridged amount.
	AllowMaxApproval bool
	// UnsafeProviderTx skips the settlement provider and endpoint checks.
	UnsafeProviderTx bool
}

var (
	policyERC20ABI        = mustPolicyABI(registry.ERC20ABI)
	policyApproveSelector = policyERC20ABI.Methods["approve"].ID
)

// validateStepPolicy checks one step of a provider route before anything is
// signed. spender is the approval address quoted by the provider, if any.
func validateStepPolicy(action *Action, step *ActionStep, spender string, data []byte, opts PolicyOptions) error {
	if step == nil {
		return clierr.New(clierr.CodeInternal, "missing action step")
	}
	if !common.IsHexAddress(step.Target) {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("step %s has invalid target address", step.StepID))
	}
	switch step.Type {
	case StepTypeApproval:
		return validateApprovalPolicy(action, spender, data, opts)
	case StepTypeBridge:
		return validateBridgePolicy(action, step, opts)
	default:
		return nil
	}
}

func validateApprovalPolicy(action *Action, quotedSpender string, data []byte, opts PolicyOptions) error {
	if len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeActionPlan, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := policyERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "approval step calldata is invalid")
	}
	spender, ok := args[0].(common.Address)
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid spender")
	}
	if common.IsHexAddress(quotedSpender) && spender != common.HexToAddress(quotedSpender) {
		return clierr.New(clierr.CodeActionPlan, "approval spender does not match the quoted spender")
	}
	amount, ok := args[1].(*big.Int)
	if !ok || amount == nil || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid approval amount")
	}
	if opts.AllowMaxApproval {
		return nil
	}
	if action == nil {
		return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds without action context")
	}
	requested, ok := parsePositiveBaseUnits(action.InputAmount)
	if !ok {
		return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds for non-numeric input amount")
	}
	if amount.Cmp(requested) > 0 {
		return clierr.New(
			clierr.CodeActionPlan,
			fmt.Sprintf("approval amount %s exceeds requested input amount %s; use --allow-max-approval to override", amount, requested),
		)
	}
	return nil
}

func validateBridgePolicy(action *Action, step *ActionStep, opts PolicyOptions) error {
	if opts.UnsafeProviderTx {
		return nil
	}
	provider := strings.ToLower(strings.TrimSpace(step.ExpectedOutputs["settlement_provider"]))
	if provider == "" && action != nil {
		provider = strings.ToLower(strings.TrimSpace(action.Provider))
	}
	if _, known := registry.BridgeSettlementURL(provider); !known {
		return clierr.New(clierr.CodeActionPlan, "bridge step has unknown settlement provider; use --unsafe-provider-tx to override")
	}
	if action != nil && strings.TrimSpace(action.Provider) != "" && !strings.EqualFold(strings.TrimSpace(action.Provider), provider) {
		return clierr.New(clierr.CodeActionPlan, "bridge step provider does not match action provider")
	}
	if !registry.IsAllowedBridgeSettlementURL(provider, step.ExpectedOutputs["settlement_status_endpoint"]) {
		return clierr.New(clierr.CodeActionPlan, "bridge step settlement endpoint is not allowed; use --unsafe-provider-tx to override")
	}
	return nil
}

func parsePositiveBaseUnits(value string) (*big.Int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, false
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, false
	}
	return parsed, true
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
