package execution

import (
	"time"

	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
)

type ActionStatus string

type StepStatus string

type StepType string

const (
	ActionStatusPlanned            ActionStatus = "planned"
	ActionStatusRunning            ActionStatus = "running"
	ActionStatusCompleted          ActionStatus = "completed"
	ActionStatusPendingDestination ActionStatus = "pending_destination"
	ActionStatusPartial            ActionStatus = "partial"
	ActionStatusFailed             ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeTransfer StepType = "transfer"
	StepTypeApproval StepType = StepType(providers.StepTypeApproval)
	StepTypeBridge   StepType = StepType(providers.StepTypeBridge)
)

const (
	IntentTransfer = "transfer"
	IntentBridge   = "bridge"
)

// ActionStep is one signed transaction of an action.
type ActionStep struct {
	StepID          string            `json:"step_id"`
	Type            StepType          `json:"type"`
	Status          StepStatus        `json:"status"`
	ChainID         string            `json:"chain_id"`
	Description     string            `json:"description,omitempty"`
	Target          string            `json:"target"`
	Data            string            `json:"data"`
	Value           string            `json:"value"`
	ExpectedOutputs map[string]string `json:"expected_outputs,omitempty"`
	TxHash          string            `json:"tx_hash,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Action is the persisted history record of a transfer or bridge.
type Action struct {
	ActionID    string         `json:"action_id"`
	IntentType  string         `json:"intent_type"`
	Provider    string         `json:"provider,omitempty"`
	Status      ActionStatus   `json:"status"`
	Chain       string         `json:"chain"`
	ChainID     string         `json:"chain_id"`
	FromAddress string         `json:"from_address,omitempty"`
	ToAddress   string         `json:"to_address,omitempty"`
	Token       string         `json:"token,omitempty"`
	Amount      string         `json:"amount,omitempty"`
	InputAmount string         `json:"input_amount,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	Steps       []ActionStep   `json:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewAction(actionID, intentType string, chain, chainID string) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:   actionID,
		IntentType: intentType,
		Status:     ActionStatusPlanned,
		Chain:      chain,
		ChainID:    chainID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Steps:      []ActionStep{},
	}
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// ConfirmedHashes lists the transaction hashes of confirmed steps in order.
func (a *Action) ConfirmedHashes() []string {
	out := make([]string, 0, len(a.Steps))
	for _, step := range a.Steps {
		if step.Status == StepStatusConfirmed && step.TxHash != "" {
			out = append(out, step.TxHash)
		}
	}
	return out
}

func markStepFailed(action *Action, step *ActionStep, msg string) {
	step.Status = StepStatusFailed
	step.Error = msg
	action.Status = ActionStatusFailed
	action.Touch()
}

// Progress reports that step StepIndex of TotalSteps has confirmed.
type Progress struct {
	StepIndex  int `json:"step_index"`
	TotalSteps int `json:"total_steps"`
}

// ProgressFunc is called synchronously after each confirmed step.
type ProgressFunc func(Progress)

type TransferRequest struct {
	SourceChain string
	// Token is a symbol or address; empty or the native symbol means the
	// chain's native currency.
	Token     string
	Amount    string
	Recipient string
}

type TransferResult struct {
	ActionID    string `json:"action_id"`
	TxHash      string `json:"tx_hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	Chain       string `json:"chain"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

type BridgeRequest struct {
	SourceChain      string
	DestinationChain string
	FromToken        string
	// ToToken defaults to the FromToken symbol on the destination chain.
	ToToken string
	Amount  string
	// Recipient defaults to the sender.
	Recipient   string
	SlippageBps int64
}

type StepResult struct {
	StepID string     `json:"step_id"`
	Type   StepType   `json:"type"`
	Status StepStatus `json:"status"`
	TxHash string     `json:"tx_hash,omitempty"`
}

type BridgeResult struct {
	ActionID         string       `json:"action_id"`
	TxHash           string       `json:"tx_hash"`
	From             string       `json:"from"`
	To               string       `json:"to"`
	Amount           string       `json:"amount"`
	Token            string       `json:"token"`
	Chain            string       `json:"chain"`
	DestinationChain string       `json:"destination_chain"`
	Provider         string       `json:"provider"`
	Route            string       `json:"route"`
	Bridge           string       `json:"bridge,omitempty"`
	ToAmountMin      string       `json:"to_amount_min,omitempty"`
	Status           ActionStatus `json:"status"`
	ExplorerURL      string       `json:"explorer_url,omitempty"`
	Steps            []StepResult `json:"steps"`
	Progress         []Progress   `json:"progress"`
}
