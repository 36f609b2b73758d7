package providers

import (
	"context"

	"github.com/ethereum/go-ethereum"
)

// Info describes a routing provider for listings and logs.
type Info struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RequiresKey  bool     `json:"requires_key"`
	Capabilities []string `json:"capabilities"`
}

type Provider interface {
	Info() Info
}

// RouteRequest asks for an executable cross-chain route. Amount is in base
// units of FromToken; token addresses use the zero address for the native
// asset.
type RouteRequest struct {
	FromChainID     int64
	ToChainID       int64
	FromToken       string
	ToToken         string
	AmountBaseUnits string
	Sender          string
	Recipient       string
	SlippageBps     int64
}

type StepType string

const (
	StepTypeApproval StepType = "approval"
	StepTypeBridge   StepType = "bridge_send"
)

// RouteStep is one transaction the sender signs on the source chain.
type RouteStep struct {
	ID              string            `json:"id"`
	Type            StepType          `json:"type"`
	ChainID         int64             `json:"chain_id"`
	Description     string            `json:"description"`
	Target          string            `json:"target"`
	Data            string            `json:"data"`
	Value           string            `json:"value"`
	ExpectedOutputs map[string]string `json:"expected_outputs,omitempty"`
}

// Route is an ordered list of steps plus the quote it was built from.
type Route struct {
	Provider        string      `json:"provider"`
	Name            string      `json:"name"`
	QuoteID         string      `json:"quote_id,omitempty"`
	ApprovalSpender string      `json:"approval_spender,omitempty"`
	ToAmount        string      `json:"to_amount"`
	ToAmountMin     string      `json:"to_amount_min"`
	EstimatedTimeS  int64       `json:"estimated_time_s"`
	Steps           []RouteStep `json:"steps"`
}

// Router builds bridge routes. The caller reads the current ERC20 allowance
// on the source chain; a nil caller always yields an approval step.
type Router interface {
	Provider
	Route(ctx context.Context, req RouteRequest, caller ethereum.ContractCaller) (Route, error)
}

// SettlementRequest identifies a source-chain bridge transaction.
type SettlementRequest struct {
	TxHash      string
	Bridge      string
	FromChainID int64
	ToChainID   int64
}

type SettlementState string

const (
	SettlementPending  SettlementState = "pending"
	SettlementDone     SettlementState = "done"
	SettlementFailed   SettlementState = "failed"
	SettlementNotFound SettlementState = "not_found"
)

// Settlement is the destination-side view of a bridge transfer.
type Settlement struct {
	Provider        string          `json:"provider"`
	State           SettlementState `json:"state"`
	Substatus       string          `json:"substatus,omitempty"`
	Message         string          `json:"message,omitempty"`
	SendingTxHash   string          `json:"sending_tx_hash,omitempty"`
	ReceivingTxHash string          `json:"receiving_tx_hash,omitempty"`
	ReceivedAmount  string          `json:"received_amount,omitempty"`
	ExplorerURL     string          `json:"explorer_url,omitempty"`
}

type SettlementTracker interface {
	Provider
	Settlement(ctx context.Context, req SettlementRequest) (Settlement, error)
}
