package execution

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
)

const (
	policySpender = "0x00000000000000000000000000000000000000ab"
	policyToken   = "0x00000000000000000000000000000000000000cd"
)

func approveCalldata(t *testing.T, amount int64) []byte {
	t.Helper()
	data, err := policyERC20ABI.Pack("approve", common.HexToAddress(policySpender), big.NewInt(amount))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	return data
}

func TestValidateApprovalPolicyBounded(t *testing.T) {
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: policyToken}
	if err := validateStepPolicy(action, step, policySpender, approveCalldata(t, 100), PolicyOptions{}); err != nil {
		t.Fatalf("expected bounded approval to pass, got err=%v", err)
	}
}

func TestValidateApprovalPolicyRejectsUnlimitedByDefault(t *testing.T) {
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: policyToken}
	err := validateStepPolicy(action, step, policySpender, approveCalldata(t, 101), PolicyOptions{})
	if err == nil {
		t.Fatal("expected bounded-approval validation to fail")
	}
	if !strings.Contains(err.Error(), "allow-max-approval") {
		t.Fatalf("expected override hint, got err=%v", err)
	}
	if err := validateStepPolicy(action, step, policySpender, approveCalldata(t, 101), PolicyOptions{AllowMaxApproval: true}); err != nil {
		t.Fatalf("expected override to pass, got %v", err)
	}
}

func TestValidateApprovalPolicyRejectsUnquotedSpender(t *testing.T) {
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: policyToken}
	err := validateStepPolicy(action, step, "0x00000000000000000000000000000000000000ef", approveCalldata(t, 50), PolicyOptions{})
	if err == nil || !strings.Contains(err.Error(), "quoted spender") {
		t.Fatalf("expected spender mismatch, got %v", err)
	}
}

func TestValidateApprovalPolicyRejectsOtherCalldata(t *testing.T) {
	data, err := policyERC20ABI.Pack("transfer", common.HexToAddress(policySpender), big.NewInt(1))
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	step := &ActionStep{Type: StepTypeApproval, Target: policyToken}
	if err := validateStepPolicy(&Action{InputAmount: "1"}, step, "", data, PolicyOptions{}); err == nil {
		t.Fatal("expected non-approve calldata to be rejected")
	}
}

func TestValidateBridgePolicy(t *testing.T) {
	action := &Action{Provider: "lifi"}
	step := &ActionStep{
		Type:   StepTypeBridge,
		Target: policyToken,
		ExpectedOutputs: map[string]string{
			"settlement_provider":        "lifi",
			"settlement_status_endpoint": registry.LiFiSettlementURL,
		},
	}
	if err := validateStepPolicy(action, step, "", nil, PolicyOptions{}); err != nil {
		t.Fatalf("expected known settlement endpoint to pass, got %v", err)
	}

	step.ExpectedOutputs["settlement_status_endpoint"] = "https://evil.example/status"
	if err := validateStepPolicy(action, step, "", nil, PolicyOptions{}); err == nil {
		t.Fatal("expected foreign settlement endpoint to fail")
	}
	if err := validateStepPolicy(action, step, "", nil, PolicyOptions{UnsafeProviderTx: true}); err != nil {
		t.Fatalf("expected unsafe override to pass, got %v", err)
	}

	step.ExpectedOutputs = map[string]string{"settlement_provider": "mystery"}
	if err := validateStepPolicy(&Action{}, step, "", nil, PolicyOptions{}); err == nil {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestValidateStepPolicyRejectsBadTarget(t *testing.T) {
	step := &ActionStep{StepID: "x", Type: StepTypeTransfer, Target: "nope"}
	if err := validateStepPolicy(&Action{}, step, "", nil, PolicyOptions{}); err == nil {
		t.Fatal("expected invalid target error")
	}
}
