package lifi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/httpx"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
)

const (
	testSender = "0x00000000000000000000000000000000000000AA"
	testUSDC   = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

type lifiRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
}

func testRouteRequest() providers.RouteRequest {
	return providers.RouteRequest{
		FromChainID:     1,
		ToChainID:       8453,
		FromToken:       testUSDC,
		ToToken:         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		AmountBaseUnits: "1000000",
		Sender:          testSender,
		Recipient:       "0x00000000000000000000000000000000000000BB",
		SlippageBps:     50,
	}
}

func newTestClient(baseURL string) *Client {
	c := New(httpx.New(2*time.Second, 0), "")
	c.baseURL = baseURL
	c.statusURL = baseURL + "/status"
	return c
}

func TestRouteAddsApprovalStepWhenAllowanceShort(t *testing.T) {
	quoteServer := newLiFiQuoteServer(t, "0x0000000000000000000000000000000000000ABC")
	defer quoteServer.Close()
	rpcServer := newLiFiRPCServer(t, big.NewInt(0))
	defer rpcServer.Close()

	caller, err := ethclient.Dial(rpcServer.URL)
	if err != nil {
		t.Fatalf("dial rpc: %v", err)
	}
	defer caller.Close()

	route, err := newTestClient(quoteServer.URL).Route(context.Background(), testRouteRequest(), caller)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if route.Provider != "lifi" || route.Name != "across" {
		t.Fatalf("unexpected route %+v", route)
	}
	if len(route.Steps) != 2 {
		t.Fatalf("expected approval + bridge steps, got %d", len(route.Steps))
	}
	if route.Steps[0].Type != providers.StepTypeApproval {
		t.Fatalf("expected first step approval, got %s", route.Steps[0].Type)
	}
	if route.Steps[1].Type != providers.StepTypeBridge {
		t.Fatalf("expected second step bridge_send, got %s", route.Steps[1].Type)
	}
	if got := route.Steps[1].ExpectedOutputs["settlement_bridge"]; got != "across" {
		t.Fatalf("unexpected settlement bridge %q", got)
	}
	if route.ToAmountMin != "940000" {
		t.Fatalf("unexpected min amount %s", route.ToAmountMin)
	}
}

func TestRouteSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	quoteServer := newLiFiQuoteServer(t, "0x0000000000000000000000000000000000000ABC")
	defer quoteServer.Close()
	rpcServer := newLiFiRPCServer(t, big.NewInt(5_000_000))
	defer rpcServer.Close()

	caller, err := ethclient.Dial(rpcServer.URL)
	if err != nil {
		t.Fatalf("dial rpc: %v", err)
	}
	defer caller.Close()

	route, err := newTestClient(quoteServer.URL).Route(context.Background(), testRouteRequest(), caller)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(route.Steps) != 1 || route.Steps[0].Type != providers.StepTypeBridge {
		t.Fatalf("expected bridge-only route, got %+v", route.Steps)
	}
}

func TestRouteSkipsApprovalForNativeToken(t *testing.T) {
	quoteServer := newLiFiQuoteServer(t, "0x0000000000000000000000000000000000000ABC")
	defer quoteServer.Close()

	req := testRouteRequest()
	req.FromToken = ""
	route, err := newTestClient(quoteServer.URL).Route(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(route.Steps) != 1 {
		t.Fatalf("expected bridge-only step, got %d", len(route.Steps))
	}
}

func TestRouteMapsNotFoundToNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"none"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Route(context.Background(), testRouteRequest(), nil)
	typed, ok := clierr.As(err)
	if !ok || typed.Kind != clierr.KindNoRouteAvailable {
		t.Fatalf("expected NoRouteAvailable, got %v", err)
	}
}

func TestRouteRejectsInvalidSender(t *testing.T) {
	req := testRouteRequest()
	req.Sender = "not-an-address"
	_, err := newTestClient("http://127.0.0.1:1").Route(context.Background(), req, nil)
	if typed, ok := clierr.As(err); !ok || typed.Kind != clierr.KindInvalidRecipient {
		t.Fatalf("expected InvalidRecipient, got %v", err)
	}
}

func TestSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/status") {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("txHash") {
		case "0xdone":
			if r.URL.Query().Get("bridge") != "across" {
				t.Errorf("expected bridge query, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"status":"DONE","substatus":"COMPLETED","sending":{"txHash":"0xdone"},"receiving":{"txHash":"0xdest","amount":"949000"},"lifiExplorerLink":"https://scan.li.fi/tx/0xdone"}`))
		case "0xpending":
			_, _ = w.Write([]byte(`{"status":"PENDING","substatus":"WAIT_DESTINATION_TRANSACTION"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not a valid txHash"}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	done, err := c.Settlement(context.Background(), providers.SettlementRequest{TxHash: "0xdone", Bridge: "across", FromChainID: 1, ToChainID: 8453})
	if err != nil {
		t.Fatalf("Settlement failed: %v", err)
	}
	if done.State != providers.SettlementDone || done.ReceivingTxHash != "0xdest" || done.ReceivedAmount != "949000" {
		t.Fatalf("unexpected settlement %+v", done)
	}

	pending, err := c.Settlement(context.Background(), providers.SettlementRequest{TxHash: "0xpending"})
	if err != nil || pending.State != providers.SettlementPending {
		t.Fatalf("expected pending, got %+v err=%v", pending, err)
	}

	missing, err := c.Settlement(context.Background(), providers.SettlementRequest{TxHash: "0xunknown"})
	if err != nil || missing.State != providers.SettlementNotFound {
		t.Fatalf("expected not_found, got %+v err=%v", missing, err)
	}
}

func newLiFiQuoteServer(t *testing.T, approvalAddress string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fromAddress") != testSender {
			t.Errorf("unexpected fromAddress %q", r.URL.Query().Get("fromAddress"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{
			"id": "quote-1",
			"estimate": {
				"toAmount": "950000",
				"toAmountMin": "940000",
				"approvalAddress": %q,
				"executionDuration": 120
			},
			"toolDetails": {"key":"across","name":"across"},
			"tool": "across",
			"transactionRequest": {
				"to": "0x0000000000000000000000000000000000000DDD",
				"from": "0x00000000000000000000000000000000000000AA",
				"data": "0x1234",
				"value": "0x0",
				"chainId": 1
			}
		}`, approvalAddress)
	}))
}

func newLiFiRPCServer(t *testing.T, allowance *big.Int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req lifiRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case "eth_call":
			encoded, err := lifiERC20ABI.Methods["allowance"].Outputs.Pack(allowance)
			if err != nil {
				t.Errorf("pack allowance response: %v", err)
				return
			}
			writeLiFiRPCResult(w, req.ID, "0x"+hex.EncodeToString(encoded))
		default:
			writeLiFiRPCError(w, req.ID, -32601, fmt.Sprintf("method not supported in test: %s", req.Method))
		}
	}))
}

func writeLiFiRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, rawLiFiID(id), result)
}

func writeLiFiRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, rawLiFiID(id), code, message)
}

func rawLiFiID(id json.RawMessage) string {
	if len(id) == 0 {
		return "1"
	}
	return string(id)
}
