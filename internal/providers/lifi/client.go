package lifi

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/httpx"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
)

const (
	providerName = "lifi"
	apiKeyHeader = "x-lifi-api-key"
	zeroAddress  = "0x0000000000000000000000000000000000000000"
)

type Client struct {
	http      *httpx.Client
	baseURL   string
	statusURL string
	apiKey    string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{
		http:      httpClient,
		baseURL:   registry.LiFiBaseURL,
		statusURL: registry.LiFiSettlementURL,
		apiKey:    strings.TrimSpace(apiKey),
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

type quoteResponse struct {
	ID       string `json:"id"`
	Estimate struct {
		ToAmount          string `json:"toAmount"`
		ToAmountMin       string `json:"toAmountMin"`
		ApprovalAddress   string `json:"approvalAddress"`
		ExecutionDuration int64  `json:"executionDuration"`
	} `json:"estimate"`
	ToolDetails struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"toolDetails"`
	Tool               string `json:"tool"`
	TransactionRequest struct {
		To      string `json:"to"`
		From    string `json:"from"`
		Data    string `json:"data"`
		Value   string `json:"value"`
		ChainID int64  `json:"chainId"`
	} `json:"transactionRequest"`
}

// Route fetches a LI.FI quote and turns it into executable steps: an ERC20
// approval when the current allowance is short, then the bridge call.
func (c *Client) Route(ctx context.Context, req providers.RouteRequest, caller ethereum.ContractCaller) (providers.Route, error) {
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
	fromToken := normalizeToken(req.FromToken)
	toToken := normalizeToken(req.ToToken)
	if !common.IsHexAddress(fromToken) || !common.IsHexAddress(toToken) {
		return providers.Route{}, clierr.New(clierr.CodeUsage, "bridge route requires token addresses")
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

	vals := url.Values{}
	vals.Set("fromChain", strconv.FormatInt(req.FromChainID, 10))
	vals.Set("toChain", strconv.FormatInt(req.ToChainID, 10))
	vals.Set("fromToken", strings.ToLower(fromToken))
	vals.Set("toToken", strings.ToLower(toToken))
	vals.Set("fromAmount", amountIn.String())
	vals.Set("slippage", formatSlippage(slippageBps))
	vals.Set("fromAddress", sender)
	vals.Set("toAddress", recipient)

	var resp quoteResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/quote?"+vals.Encode(), c.headers(), &resp); err != nil {
		if isNotFound(err) {
			out := clierr.Invalid(clierr.KindNoRouteAvailable, "")
			out.Cause = err
			return providers.Route{}, out
		}
		return providers.Route{}, err
	}
	if strings.TrimSpace(resp.TransactionRequest.To) == "" || strings.TrimSpace(resp.TransactionRequest.Data) == "" {
		return providers.Route{}, clierr.Invalid(clierr.KindNoRouteAvailable, "lifi quote missing executable transaction payload")
	}
	if resp.TransactionRequest.ChainID != 0 && resp.TransactionRequest.ChainID != req.FromChainID {
		return providers.Route{}, clierr.New(clierr.CodeActionPlan, "lifi transaction chain does not match source chain")
	}

	route := providers.Route{
		Provider:        providerName,
		Name:            firstNonEmpty(resp.ToolDetails.Name, resp.Tool),
		QuoteID:         resp.ID,
		ApprovalSpender: resp.Estimate.ApprovalAddress,
		ToAmount:        resp.Estimate.ToAmount,
		ToAmountMin:     firstNonEmpty(resp.Estimate.ToAmountMin, resp.Estimate.ToAmount),
		EstimatedTimeS:  resp.Estimate.ExecutionDuration,
	}

	if shouldAddApproval(fromToken, resp.Estimate.ApprovalAddress) {
		if !common.IsHexAddress(resp.Estimate.ApprovalAddress) {
			return providers.Route{}, clierr.New(clierr.CodeActionPlan, "lifi quote returned invalid approval address")
		}
		tokenAddr := common.HexToAddress(fromToken)
		spenderAddr := common.HexToAddress(resp.Estimate.ApprovalAddress)
		needed := true
		if caller != nil {
			current, err := readAllowance(ctx, caller, tokenAddr, common.HexToAddress(sender), spenderAddr)
			if err != nil {
				return providers.Route{}, err
			}
			needed = current.Cmp(amountIn) < 0
		}
		if needed {
			approveData, err := lifiERC20ABI.Pack("approve", spenderAddr, amountIn)
			if err != nil {
				return providers.Route{}, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
			}
			route.Steps = append(route.Steps, providers.RouteStep{
				ID:          "approve-bridge-token",
				Type:        providers.StepTypeApproval,
				ChainID:     req.FromChainID,
				Description: "Approve bridge spender for source token",
				Target:      tokenAddr.Hex(),
				Data:        "0x" + common.Bytes2Hex(approveData),
				Value:       "0",
			})
		}
	}

	bridgeValue, err := hexToDecimal(resp.TransactionRequest.Value)
	if err != nil {
		return providers.Route{}, clierr.Wrap(clierr.CodeActionPlan, "parse bridge transaction value", err)
	}
	route.Steps = append(route.Steps, providers.RouteStep{
		ID:          "bridge-transfer",
		Type:        providers.StepTypeBridge,
		ChainID:     req.FromChainID,
		Description: "Bridge transfer via " + firstNonEmpty(route.Name, "LI.FI") + " route",
		Target:      common.HexToAddress(resp.TransactionRequest.To).Hex(),
		Data:        ensureHexPrefix(resp.TransactionRequest.Data),
		Value:       bridgeValue,
		ExpectedOutputs: map[string]string{
			"to_amount_min":                route.ToAmountMin,
			"settlement_provider":          providerName,
			"settlement_status_endpoint":   c.statusURL,
			"settlement_bridge":            firstNonEmpty(resp.ToolDetails.Key, resp.Tool),
			"settlement_from_chain":        strconv.FormatInt(req.FromChainID, 10),
			"settlement_to_chain":          strconv.FormatInt(req.ToChainID, 10),
			"settlement_quote_response_id": resp.ID,
		},
	})
	return route, nil
}

type statusResponse struct {
	Status           string `json:"status"`
	Substatus        string `json:"substatus"`
	SubstatusMessage string `json:"substatusMessage"`
	Message          string `json:"message"`
	Sending          struct {
		TxHash string `json:"txHash"`
	} `json:"sending"`
	Receiving struct {
		TxHash string `json:"txHash"`
		Amount string `json:"amount"`
	} `json:"receiving"`
	LiFiExplorerLink string `json:"lifiExplorerLink"`
}

// Settlement polls the LI.FI status endpoint once for a bridge transaction.
func (c *Client) Settlement(ctx context.Context, req providers.SettlementRequest) (providers.Settlement, error) {
	hash := strings.TrimSpace(req.TxHash)
	if hash == "" {
		return providers.Settlement{}, clierr.New(clierr.CodeUsage, "settlement lookup requires a transaction hash")
	}
	vals := url.Values{}
	vals.Set("txHash", hash)
	if bridge := strings.TrimSpace(req.Bridge); bridge != "" {
		vals.Set("bridge", bridge)
	}
	if req.FromChainID > 0 {
		vals.Set("fromChain", strconv.FormatInt(req.FromChainID, 10))
	}
	if req.ToChainID > 0 {
		vals.Set("toChain", strconv.FormatInt(req.ToChainID, 10))
	}

	var resp statusResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.statusURL+"?"+vals.Encode(), c.headers(), &resp); err != nil {
		// LI.FI answers 404 until its indexer has seen the source transaction.
		if isNotFound(err) {
			return providers.Settlement{Provider: providerName, State: providers.SettlementNotFound, SendingTxHash: hash}, nil
		}
		return providers.Settlement{}, err
	}
	return providers.Settlement{
		Provider:        providerName,
		State:           settlementState(resp.Status),
		Substatus:       resp.Substatus,
		Message:         firstNonEmpty(resp.SubstatusMessage, resp.Message),
		SendingTxHash:   firstNonEmpty(resp.Sending.TxHash, hash),
		ReceivingTxHash: resp.Receiving.TxHash,
		ReceivedAmount:  resp.Receiving.Amount,
		ExplorerURL:     resp.LiFiExplorerLink,
	}, nil
}

func settlementState(status string) providers.SettlementState {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "DONE":
		return providers.SettlementDone
	case "FAILED", "INVALID":
		return providers.SettlementFailed
	case "NOT_FOUND":
		return providers.SettlementNotFound
	default:
		return providers.SettlementPending
	}
}

func isNotFound(err error) bool {
	typed, ok := clierr.As(err)
	return ok && typed.Details == "status=404"
}

func (c *Client) headers() map[string]string {
	return map[string]string{apiKeyHeader: c.apiKey}
}

func readAllowance(ctx context.Context, caller ethereum.ContractCaller, token, owner, spender common.Address) (*big.Int, error) {
	data, err := lifiERC20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance call", err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	out, err := lifiERC20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode allowance", err)
	}
	current, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid allowance response type")
	}
	return current, nil
}

var lifiERC20ABI = mustLifiABI(registry.ERC20ABI)

func mustLifiABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// normalizeToken maps an empty token to the native asset.
func normalizeToken(token string) string {
	clean := strings.TrimSpace(token)
	if clean == "" || isNativeTokenAddress(clean) {
		return zeroAddress
	}
	return clean
}

func shouldAddApproval(tokenAddr, spender string) bool {
	if strings.TrimSpace(tokenAddr) == "" || strings.TrimSpace(spender) == "" {
		return false
	}
	if !common.IsHexAddress(tokenAddr) {
		return false
	}
	return !isNativeTokenAddress(tokenAddr)
}

func isNativeTokenAddress(addr string) bool {
	if strings.EqualFold(addr, zeroAddress) {
		return true
	}
	return strings.EqualFold(addr, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
}

func formatSlippage(bps int64) string {
	return strconv.FormatFloat(float64(bps)/10000, 'f', 6, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

func hexToDecimal(v string) (string, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0", nil
	}
	clean = strings.TrimPrefix(clean, "0x")
	clean = strings.TrimPrefix(clean, "0X")
	if clean == "" {
		return "0", nil
	}
	n := new(big.Int)
	if _, ok := n.SetString(clean, 16); !ok {
		return "", fmt.Errorf("invalid hex value %q", v)
	}
	return n.String(), nil
}
