package across

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/httpx"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
)

const (
	testSender = "0x00000000000000000000000000000000000000AA"
	usdcBase   = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	usdcArb    = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	spokePool  = "0x09aea4b2242abC8bb4BB78D537A67a245A7bEC64"
)

func newTestClient(baseURL string) *Client {
	c := New(httpx.New(2*time.Second, 0))
	c.baseURL = baseURL
	c.statusURL = baseURL + "/deposit/status"
	return c
}

func testRequest() providers.RouteRequest {
	return providers.RouteRequest{
		FromChainID:     8453,
		ToChainID:       42161,
		FromToken:       usdcBase,
		ToToken:         usdcArb,
		AmountBaseUnits: "1000000",
		Sender:          testSender,
		SlippageBps:     50,
	}
}

func newAcrossServer(t *testing.T, withApproval bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limits":
			_, _ = w.Write([]byte(`{"minDeposit":"500007","maxDeposit":"1954894537806"}`))
		case "/swap/approval":
			q := r.URL.Query()
			if q.Get("depositor") != testSender || q.Get("recipient") != testSender {
				t.Errorf("unexpected depositor/recipient: %s", r.URL.RawQuery)
			}
			if q.Get("slippage") != "0.005000" || q.Get("originChainId") != "8453" {
				t.Errorf("unexpected query: %s", r.URL.RawQuery)
			}
			approvals := `[]`
			if withApproval {
				approvals = `[{"chainId":8453,"to":"` + usdcBase + `","data":"0x095ea7b3"}]`
			}
			_, _ = w.Write([]byte(`{
				"id":"quote-1",
				"approvalTxns":` + approvals + `,
				"swapTx":{"chainId":8453,"to":"` + spokePool + `","data":"ad5425c6","value":"0x0"},
				"minOutputAmount":"995000",
				"expectedOutputAmount":"997367",
				"expectedFillTime":4
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestRouteBuildsApprovalAndDepositSteps(t *testing.T) {
	srv := newAcrossServer(t, true)
	defer srv.Close()

	route, err := newTestClient(srv.URL).Route(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if route.Provider != "across" || route.QuoteID != "quote-1" || route.ToAmountMin != "995000" || route.ToAmount != "997367" {
		t.Fatalf("unexpected route %+v", route)
	}
	if len(route.Steps) != 2 {
		t.Fatalf("expected approval + deposit, got %d steps", len(route.Steps))
	}
	if route.Steps[0].Type != providers.StepTypeApproval || route.Steps[0].Value != "0" {
		t.Fatalf("unexpected approval step %+v", route.Steps[0])
	}
	deposit := route.Steps[1]
	if deposit.Type != providers.StepTypeBridge || deposit.Target != common.HexToAddress(spokePool).Hex() || deposit.Data != "0xad5425c6" {
		t.Fatalf("unexpected deposit step %+v", deposit)
	}
	if deposit.ExpectedOutputs["settlement_provider"] != "across" || deposit.ExpectedOutputs["settlement_status_endpoint"] != srv.URL+"/deposit/status" {
		t.Fatalf("unexpected settlement outputs %+v", deposit.ExpectedOutputs)
	}
	if !registry.IsAllowedBridgeSettlementURL("across", deposit.ExpectedOutputs["settlement_status_endpoint"]) {
		t.Fatal("expected loopback settlement endpoint to pass policy")
	}
}

func TestRouteSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	srv := newAcrossServer(t, false)
	defer srv.Close()

	route, err := newTestClient(srv.URL).Route(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(route.Steps) != 1 || route.Steps[0].Type != providers.StepTypeBridge {
		t.Fatalf("expected a single deposit step, got %+v", route.Steps)
	}
}

func TestRouteRejectsAmountOutsideLimits(t *testing.T) {
	srv := newAcrossServer(t, false)
	defer srv.Close()

	req := testRequest()
	req.AmountBaseUnits = "100"
	_, err := newTestClient(srv.URL).Route(context.Background(), req, nil)
	if typed, ok := clierr.As(err); !ok || typed.Kind != clierr.KindInsufficientLiquidity {
		t.Fatalf("expected InsufficientLiquidity, got %v", err)
	}
}

func TestRouteRejectsNativeAsset(t *testing.T) {
	req := testRequest()
	req.FromToken = "0x0000000000000000000000000000000000000000"
	_, err := newTestClient("http://127.0.0.1:1").Route(context.Background(), req, nil)
	if clierr.ExitCode(err) != int(clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestRouteUnknownPairIsNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestClient(srv.URL).Route(context.Background(), testRequest(), nil)
	if typed, ok := clierr.As(err); !ok || typed.Kind != clierr.KindNoRouteAvailable {
		t.Fatalf("expected NoRouteAvailable, got %v", err)
	}
}

func TestSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deposit/status" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("depositTxHash") {
		case "0xfilled":
			if r.URL.Query().Get("originChainId") != "8453" {
				t.Errorf("expected origin chain, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"status":"filled","fillTx":"0xdest","depositTxHash":"0xfilled"}`))
		case "0xpending":
			_, _ = w.Write([]byte(`{"status":"pending"}`))
		case "0xexpired":
			_, _ = w.Write([]byte(`{"status":"expired"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"deposit not found"}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	filled, err := c.Settlement(context.Background(), providers.SettlementRequest{TxHash: "0xfilled", FromChainID: 8453, ToChainID: 42161})
	if err != nil {
		t.Fatalf("Settlement failed: %v", err)
	}
	if filled.State != providers.SettlementDone || filled.ReceivingTxHash != "0xdest" {
		t.Fatalf("unexpected settlement %+v", filled)
	}

	for hash, want := range map[string]providers.SettlementState{
		"0xpending": providers.SettlementPending,
		"0xexpired": providers.SettlementFailed,
		"0xunknown": providers.SettlementNotFound,
	} {
		got, err := c.Settlement(context.Background(), providers.SettlementRequest{TxHash: hash})
		if err != nil || got.State != want {
			t.Fatalf("%s: expected %s, got %+v err=%v", hash, want, got, err)
		}
	}
}

func TestWithinLimits(t *testing.T) {
	limits := map[string]any{"minDeposit": "10", "maxDeposit": float64(1000)}
	cases := map[int64]bool{9: false, 10: true, 1000: true, 1001: false}
	for amount, want := range cases {
		if got := withinLimits(big.NewInt(amount), limits); got != want {
			t.Fatalf("withinLimits(%d) = %v, want %v", amount, got, want)
		}
	}
	if !withinLimits(big.NewInt(1), map[string]any{}) {
		t.Fatal("expected missing limits to pass")
	}
}
