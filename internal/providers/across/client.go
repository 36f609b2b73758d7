package across

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/httpx"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
)

const providerName = "across"

type Client struct {
	http      *httpx.Client
	baseURL   string
	statusURL string
}

func New(httpClient *httpx.Client) *Client {
	return &Client{
		http:      httpClient,
		baseURL:   registry.AcrossBaseURL,
		statusURL: registry.AcrossSettlementURL,
	}
}

func (c *Client) Info() providers.Info {
	return providers.Info{
		Name:        providerName,
		Type:        "bridge",
		RequiresKey: false,
		Capabilities: []string{
			"bridge.route",
			"bridge.execute",
			"bridge.status",
		},
	}
}

type swapTx struct {
	ChainID int64  `json:"chainId"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
}

type swapApprovalResponse struct {
	ApprovalTxns         []swapTx `json:"approvalTxns"`
	SwapTx               swapTx   `json:"swapTx"`
	MinOutputAmount      string   `json:"minOutputAmount"`
	ExpectedOutputAmount string   `json:"expectedOutputAmount"`
	ExpectedFillTime     int64    `json:"expectedFillTime"`
	ID                   string   `json:"id"`
	Steps                struct {
		Bridge struct {
			OutputAmount string `json:"outputAmount"`
		} `json:"bridge"`
	} `json:"steps"`
}

// Route asks Across for a deposit. Across checks the depositor's allowance
// itself and only returns approval transactions when one is needed, so caller
// is unused.
func (c *Client) Route(ctx context.Context, req providers.RouteRequest, _ ethereum.ContractCaller) (providers.Route, error) {
	sender := strings.TrimSpace(req.Sender)
	if !common.IsHexAddress(sender) {
		return providers.Route{}, clierr.Invalid(clierr.KindInvalidRecipient, "bridge sender must be a valid EVM address")
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		recipient = sender
	}
	if !common.IsHexAddress(recipient) {
		return providers.Route{}, clierr.Invalid(clierr.KindInvalidRecipient, "bridge recipient must be a valid EVM address")
	}
	if !isERC20(req.FromToken) || !isERC20(req.ToToken) {
		return providers.Route{}, clierr.New(clierr.CodeUnsupported, "across routes require ERC20 token addresses on both chains")
	}
	amountIn, ok := new(big.Int).SetString(strings.TrimSpace(req.AmountBaseUnits), 10)
	if !ok || amountIn.Sign() <= 0 {
		return providers.Route{}, clierr.Invalid(clierr.KindInvalidAmount, "bridge amount must be a positive base-unit integer")
	}
	slippageBps := req.SlippageBps
	if slippageBps <= 0 {
		slippageBps = 50
	}
	if slippageBps >= 10_000 {
		return providers.Route{}, clierr.New(clierr.CodeUsage, "slippage bps must be less than 10000")
	}

	limitVals := url.Values{}
	limitVals.Set("originChainId", strconv.FormatInt(req.FromChainID, 10))
	limitVals.Set("destinationChainId", strconv.FormatInt(req.ToChainID, 10))
	limitVals.Set("inputToken", req.FromToken)
	limitVals.Set("outputToken", req.ToToken)
	var limits map[string]any
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/limits?"+limitVals.Encode(), nil, &limits); err != nil {
		if isNotFound(err) {
			return providers.Route{}, noRoute(err)
		}
		return providers.Route{}, err
	}
	if !withinLimits(amountIn, limits) {
		return providers.Route{}, clierr.Invalid(clierr.KindInsufficientLiquidity, "amount is outside across deposit limits")
	}

	vals := url.Values{}
	vals.Set("amount", amountIn.String())
	vals.Set("inputToken", req.FromToken)
	vals.Set("outputToken", req.ToToken)
	vals.Set("originChainId", strconv.FormatInt(req.FromChainID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(req.ToChainID, 10))
	vals.Set("depositor", sender)
	vals.Set("recipient", recipient)
	vals.Set("slippage", formatSlippage(slippageBps))

	var resp swapApprovalResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/swap/approval?"+vals.Encode(), nil, &resp); err != nil {
		if isNotFound(err) {
			return providers.Route{}, noRoute(err)
		}
		return providers.Route{}, err
	}
	if strings.TrimSpace(resp.SwapTx.To) == "" || strings.TrimSpace(resp.SwapTx.Data) == "" {
		return providers.Route{}, clierr.Invalid(clierr.KindNoRouteAvailable, "across response missing deposit transaction payload")
	}
	if resp.SwapTx.ChainID != 0 && resp.SwapTx.ChainID != req.FromChainID {
		return providers.Route{}, clierr.New(clierr.CodeActionPlan, "across deposit transaction chain does not match source chain")
	}

	minOut := firstNonEmpty(resp.MinOutputAmount, resp.ExpectedOutputAmount, resp.Steps.Bridge.OutputAmount)
	route := providers.Route{
		Provider:       providerName,
		Name:           providerName,
		QuoteID:        resp.ID,
		ToAmount:       firstNonEmpty(resp.ExpectedOutputAmount, resp.Steps.Bridge.OutputAmount, minOut),
		ToAmountMin:    minOut,
		EstimatedTimeS: resp.ExpectedFillTime,
	}
	for i, approval := range resp.ApprovalTxns {
		if strings.TrimSpace(approval.To) == "" || strings.TrimSpace(approval.Data) == "" {
			continue
		}
		if approval.ChainID != 0 && approval.ChainID != req.FromChainID {
			return providers.Route{}, clierr.New(clierr.CodeActionPlan, "across approval transaction chain does not match source chain")
		}
		route.Steps = append(route.Steps, providers.RouteStep{
			ID:          fmt.Sprintf("approve-bridge-token-%d", i+1),
			Type:        providers.StepTypeApproval,
			ChainID:     req.FromChainID,
			Description: "Approve Across spoke pool for source token",
			Target:      common.HexToAddress(approval.To).Hex(),
			Data:        ensureHexPrefix(approval.Data),
			Value:       normalizeTransactionValue(approval.Value),
		})
	}
	route.Steps = append(route.Steps, providers.RouteStep{
		ID:          "bridge-transfer",
		Type:        providers.StepTypeBridge,
		ChainID:     req.FromChainID,
		Description: "Bridge transfer via Across",
		Target:      common.HexToAddress(resp.SwapTx.To).Hex(),
		Data:        ensureHexPrefix(resp.SwapTx.Data),
		Value:       normalizeTransactionValue(resp.SwapTx.Value),
		ExpectedOutputs: map[string]string{
			"to_amount_min":              minOut,
			"settlement_provider":        providerName,
			"settlement_status_endpoint": c.statusURL,
			"settlement_from_chain":      strconv.FormatInt(req.FromChainID, 10),
			"settlement_to_chain":        strconv.FormatInt(req.ToChainID, 10),
			"settlement_recipient":       common.HexToAddress(recipient).Hex(),
		},
	})
	return route, nil
}

type depositStatusResponse struct {
	Status        string `json:"status"`
	DepositTxHash string `json:"depositTxHash"`
	FillTx        string `json:"fillTx"`
	OutputAmount  string `json:"outputAmount"`
	Message       string `json:"message"`
}

// Settlement looks up the fill of an Across deposit once.
func (c *Client) Settlement(ctx context.Context, req providers.SettlementRequest) (providers.Settlement, error) {
	hash := strings.TrimSpace(req.TxHash)
	if hash == "" {
		return providers.Settlement{}, clierr.New(clierr.CodeUsage, "settlement lookup requires a transaction hash")
	}
	vals := url.Values{}
	vals.Set("depositTxHash", hash)
	if req.FromChainID > 0 {
		vals.Set("originChainId", strconv.FormatInt(req.FromChainID, 10))
	}

	var resp depositStatusResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.statusURL+"?"+vals.Encode(), nil, &resp); err != nil {
		// The indexer answers 404 until it has seen the deposit.
		if isNotFound(err) {
			return providers.Settlement{Provider: providerName, State: providers.SettlementNotFound, SendingTxHash: hash}, nil
		}
		return providers.Settlement{}, err
	}
	return providers.Settlement{
		Provider:        providerName,
		State:           settlementState(resp.Status),
		Substatus:       strings.ToLower(strings.TrimSpace(resp.Status)),
		Message:         resp.Message,
		SendingTxHash:   firstNonEmpty(resp.DepositTxHash, hash),
		ReceivingTxHash: resp.FillTx,
		ReceivedAmount:  resp.OutputAmount,
	}, nil
}

func settlementState(status string) providers.SettlementState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "filled":
		return providers.SettlementDone
	case "expired", "refunded":
		return providers.SettlementFailed
	default:
		return providers.SettlementPending
	}
}

func withinLimits(amount *big.Int, limits map[string]any) bool {
	if lo, ok := pickBaseUnits(limits, "minDeposit", "minLimit"); ok && amount.Cmp(lo) < 0 {
		return false
	}
	if hi, ok := pickBaseUnits(limits, "maxDeposit", "maxLimit"); ok && amount.Cmp(hi) > 0 {
		return false
	}
	return true
}

func pickBaseUnits(m map[string]any, keys ...string) (*big.Int, bool) {
	for _, key := range keys {
		var raw string
		switch v := m[key].(type) {
		case string:
			raw = strings.TrimSpace(v)
		case float64:
			raw = strconv.FormatFloat(v, 'f', 0, 64)
		}
		if raw == "" {
			continue
		}
		if n, ok := new(big.Int).SetString(raw, 10); ok {
			return n, true
		}
	}
	return nil, false
}

func noRoute(cause error) error {
	out := clierr.Invalid(clierr.KindNoRouteAvailable, "")
	out.Cause = cause
	return out
}

func isNotFound(err error) bool {
	typed, ok := clierr.As(err)
	return ok && typed.Details == "status=404"
}

func isERC20(token string) bool {
	token = strings.TrimSpace(token)
	return common.IsHexAddress(token) && common.HexToAddress(token) != (common.Address{})
}

func formatSlippage(bps int64) string {
	return strconv.FormatFloat(float64(bps)/10000, 'f', 6, 64)
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

func normalizeTransactionValue(v string) string {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0"
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		n := new(big.Int)
		if _, ok := n.SetString(clean[2:], 16); ok {
			return n.String()
		}
		return "0"
	}
	if n, ok := new(big.Int).SetString(clean, 10); ok {
		return n.String()
	}
	return "0"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
