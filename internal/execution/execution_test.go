package execution_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution/signer"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet/wallettest"
)

const (
	recipient     = "0x00000000000000000000000000000000000000BB"
	baseUSDC      = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	bridgeSpender = "0x0000000000000000000000000000000000000ABC"
	bridgeTarget  = "0x0000000000000000000000000000000000000DDD"
)

type fixture struct {
	net      *wallettest.Network
	base     *wallettest.Backend
	arbitrum *wallettest.Backend
	provider *wallet.Provider
	store    *execution.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := signer.FromHex("0x" + strings.Repeat("1", 64))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	f := &fixture{
		net:      wallettest.NewNetwork(),
		base:     wallettest.NewBackend(8453),
		arbitrum: wallettest.NewBackend(42161),
	}
	f.net.Add("http://base", f.base)
	f.net.Add("http://arbitrum", f.arbitrum)

	opts := wallet.DefaultTxOptions()
	opts.PollInterval = time.Millisecond
	opts.ReceiptTimeout = time.Second
	f.provider = wallet.New(s, registry.NewDefault(),
		wallet.WithDialer(f.net.Dial),
		wallet.WithTxOptions(opts),
		wallet.WithLogger(log.Nop()),
	)
	f.provider.AddChain(map[string]registry.Descriptor{
		"base":     {Name: "base", ChainID: 8453, RPCURL: "http://base", NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://basescan.org"},
		"arbitrum": {Name: "arbitrum", ChainID: 42161, RPCURL: "http://arbitrum", NativeSymbol: "ETH", NativeDecimals: 18},
	})

	dir := t.TempDir()
	f.store, err = execution.OpenStore(filepath.Join(dir, "actions.db"), filepath.Join(dir, "actions.lock"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func kindOf(err error) clierr.Kind {
	if typed, ok := clierr.As(err); ok {
		return typed.Kind
	}
	return ""
}

func TestTransferValidationHappensBeforeDialing(t *testing.T) {
	f := newFixture(t)
	tr := execution.NewTransferer(f.provider, execution.WithLogger(log.Nop()))

	cases := []struct {
		name string
		req  execution.TransferRequest
		want clierr.Kind
	}{
		{"zero amount wins", execution.TransferRequest{SourceChain: "nowhere", Amount: "0", Recipient: "bad"}, clierr.KindInvalidAmount},
		{"negative amount", execution.TransferRequest{SourceChain: "base", Amount: "-1", Recipient: recipient}, clierr.KindInvalidAmount},
		{"bad recipient", execution.TransferRequest{SourceChain: "nowhere", Amount: "1", Recipient: "0x1234"}, clierr.KindInvalidRecipient},
		{"unregistered chain", execution.TransferRequest{SourceChain: "polygon", Amount: "1", Recipient: recipient}, clierr.KindUnregisteredChain},
	}
	for _, tc := range cases {
		_, err := tr.Transfer(context.Background(), tc.req, nil)
		if got := kindOf(err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.name, tc.want, got, err)
		}
	}
	if f.net.Dials("") != 0 {
		t.Fatalf("validation failures must not dial, saw %d dials", f.net.Dials(""))
	}
}

func TestTransferNative(t *testing.T) {
	f := newFixture(t)
	tr := execution.NewTransferer(f.provider, execution.WithStore(f.store), execution.WithLogger(log.Nop()))

	var progress []execution.Progress
	res, err := tr.Transfer(context.Background(), execution.TransferRequest{
		SourceChain: "base",
		Amount:      "0.001",
		Recipient:   recipient,
	}, func(p execution.Progress) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	sent := f.base.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(sent))
	}
	tx := sent[0]
	if tx.Value().String() != "1000000000000000" || *tx.To() != common.HexToAddress(recipient) {
		t.Fatalf("unexpected tx value=%s to=%s", tx.Value(), tx.To().Hex())
	}
	if res.TxHash != tx.Hash().Hex() || res.Token != "ETH" || res.Amount != "0.001" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ExplorerURL != "https://basescan.org/tx/"+res.TxHash {
		t.Fatalf("unexpected explorer url %s", res.ExplorerURL)
	}
	if len(progress) != 1 || progress[0] != (execution.Progress{StepIndex: 1, TotalSteps: 1}) {
		t.Fatalf("unexpected progress %+v", progress)
	}

	stored, err := f.store.Get(context.Background(), res.ActionID)
	if err != nil {
		t.Fatalf("stored action: %v", err)
	}
	if stored.Status != execution.ActionStatusCompleted || stored.Steps[0].TxHash != res.TxHash {
		t.Fatalf("unexpected stored action %+v", stored)
	}
}

func TestTransferERC20(t *testing.T) {
	f := newFixture(t)
	tr := execution.NewTransferer(f.provider, execution.WithLogger(log.Nop()))

	res, err := tr.Transfer(context.Background(), execution.TransferRequest{
		SourceChain: "base",
		Token:       "usdc",
		Amount:      "2.5",
		Recipient:   recipient,
	}, nil)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	tx := f.base.Sent()[0]
	if *tx.To() != common.HexToAddress(baseUSDC) || tx.Value().Sign() != 0 {
		t.Fatalf("expected a token call, got to=%s value=%s", tx.To().Hex(), tx.Value())
	}
	args, err := erc20(t).Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(recipient) || args[1].(*big.Int).String() != "2500000" {
		t.Fatalf("unexpected transfer args %v", args)
	}
	if res.Token != "USDC" {
		t.Fatalf("unexpected token %s", res.Token)
	}
}

func TestTransferRevertIsClassified(t *testing.T) {
	f := newFixture(t)
	f.base.Revert = true
	tr := execution.NewTransferer(f.provider, execution.WithStore(f.store), execution.WithLogger(log.Nop()))

	_, err := tr.Transfer(context.Background(), execution.TransferRequest{SourceChain: "base", Amount: "1", Recipient: recipient}, nil)
	if kindOf(err) != clierr.KindTransactionFailed {
		t.Fatalf("expected TransactionFailed, got %v", err)
	}
	failed, err := f.store.List(context.Background(), execution.ListFilter{Status: string(execution.ActionStatusFailed)})
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one failed action, got %d err=%v", len(failed), err)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.base.EstimateErr = errors.New("insufficient funds for gas * price + value")
	tr := execution.NewTransferer(f.provider, execution.WithLogger(log.Nop()))

	_, err := tr.Transfer(context.Background(), execution.TransferRequest{SourceChain: "base", Amount: "1", Recipient: recipient}, nil)
	typed, ok := clierr.As(err)
	if !ok || typed.Kind != clierr.KindInsufficientFunds || len(typed.Suggestions) == 0 {
		t.Fatalf("expected InsufficientFunds with suggestions, got %v", err)
	}
	if len(f.base.Sent()) != 0 {
		t.Fatal("nothing should be broadcast")
	}
}

type fakeRouter struct {
	mu    sync.Mutex
	calls int
	errs  []error
	route func(req providers.RouteRequest) providers.Route
	last  providers.RouteRequest
}

func (r *fakeRouter) Info() providers.Info { return providers.Info{Name: "lifi", Type: "bridge"} }

func (r *fakeRouter) Route(_ context.Context, req providers.RouteRequest, _ ethereum.ContractCaller) (providers.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = req
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return providers.Route{}, err
		}
	}
	return r.route(req), nil
}

func (r *fakeRouter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func erc20(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20ABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func approvalRoute(t *testing.T, approveAmount *big.Int) func(providers.RouteRequest) providers.Route {
	return func(req providers.RouteRequest) providers.Route {
		amount := approveAmount
		if amount == nil {
			amount, _ = new(big.Int).SetString(req.AmountBaseUnits, 10)
		}
		data, err := erc20(t).Pack("approve", common.HexToAddress(bridgeSpender), amount)
		if err != nil {
			t.Errorf("pack approve: %v", err)
		}
		return providers.Route{
			Provider:        "lifi",
			Name:            "across",
			ApprovalSpender: bridgeSpender,
			ToAmountMin:     "4900000",
			Steps: []providers.RouteStep{
				{
					ID:      "approve-bridge-token",
					Type:    providers.StepTypeApproval,
					ChainID: req.FromChainID,
					Target:  req.FromToken,
					Data:    "0x" + common.Bytes2Hex(data),
					Value:   "0",
				},
				{
					ID:      "bridge-transfer",
					Type:    providers.StepTypeBridge,
					ChainID: req.FromChainID,
					Target:  bridgeTarget,
					Data:    "0x1234",
					Value:   "0",
					ExpectedOutputs: map[string]string{
						"settlement_provider":        "lifi",
						"settlement_status_endpoint": registry.LiFiSettlementURL,
						"settlement_bridge":          "across",
					},
				},
			},
		}
	}
}

func usdcBridge() execution.BridgeRequest {
	return execution.BridgeRequest{
		SourceChain:      "base",
		DestinationChain: "arbitrum",
		FromToken:        "USDC",
		Amount:           "5",
	}
}

func TestBridgeSameChainFailsBeforeRouteLookup(t *testing.T) {
	f := newFixture(t)
	router := &fakeRouter{route: approvalRoute(t, nil)}
	b := execution.NewBridger(f.provider, router, execution.WithLogger(log.Nop()))

	req := usdcBridge()
	req.DestinationChain = "BASE"
	req.Amount = "0"
	_, err := b.Bridge(context.Background(), req, nil)
	if kindOf(err) != clierr.KindSameChainBridge {
		t.Fatalf("expected SameChainBridge, got %v", err)
	}
	if router.Calls() != 0 || f.net.Dials("") != 0 {
		t.Fatal("same-chain bridge must fail before any network activity")
	}
}

func TestBridgeValidationOrder(t *testing.T) {
	f := newFixture(t)
	router := &fakeRouter{route: approvalRoute(t, nil)}
	b := execution.NewBridger(f.provider, router, execution.WithLogger(log.Nop()))

	req := usdcBridge()
	req.Amount = "abc"
	req.Recipient = "bad"
	if _, err := b.Bridge(context.Background(), req, nil); kindOf(err) != clierr.KindInvalidAmount {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
	req.Amount = "1"
	if _, err := b.Bridge(context.Background(), req, nil); kindOf(err) != clierr.KindInvalidRecipient {
		t.Fatalf("expected InvalidRecipient, got %v", err)
	}
	req.Recipient = ""
	req.DestinationChain = "polygon"
	if _, err := b.Bridge(context.Background(), req, nil); kindOf(err) != clierr.KindUnregisteredChain {
		t.Fatalf("expected UnregisteredChain, got %v", err)
	}
	if router.Calls() != 0 {
		t.Fatal("route lookup must follow validation")
	}
}

func TestBridgeRunsStepsAndReportsProgress(t *testing.T) {
	f := newFixture(t)
	router := &fakeRouter{route: approvalRoute(t, nil)}
	b := execution.NewBridger(f.provider, router, execution.WithStore(f.store), execution.WithLogger(log.Nop()))

	var progress []execution.Progress
	res, err := b.Bridge(context.Background(), usdcBridge(), func(p execution.Progress) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Bridge failed: %v", err)
	}
	if len(progress) != 2 {
		t.Fatalf("expected two progress events, got %+v", progress)
	}
	for i, p := range progress {
		if p.StepIndex != i+1 || p.TotalSteps != 2 {
			t.Fatalf("unexpected progress %+v", progress)
		}
	}
	if res.Status != execution.ActionStatusPendingDestination || res.Bridge != "across" || res.Route != "across" {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := f.base.Sent()
	if len(sent) != 2 || res.TxHash != sent[1].Hash().Hex() {
		t.Fatalf("expected approve + bridge transactions, got %d", len(sent))
	}
	if *sent[0].To() != common.HexToAddress(baseUSDC) || *sent[1].To() != common.HexToAddress(bridgeTarget) {
		t.Fatal("steps executed out of order")
	}
	if router.last.AmountBaseUnits != "5000000" || router.last.ToToken != "0xaf88d065e77c8cC2239327C5EDb3A432268e5831" {
		t.Fatalf("unexpected route request %+v", router.last)
	}
	if !strings.EqualFold(router.last.Recipient, router.last.Sender) {
		t.Fatal("recipient should default to the sender")
	}
	stored, err := f.store.Get(context.Background(), res.ActionID)
	if err != nil || stored.Status != execution.ActionStatusPendingDestination {
		t.Fatalf("unexpected stored action %+v err=%v", stored, err)
	}
}

func TestBridgeRetriesTransientRouteFailures(t *testing.T) {
	f := newFixture(t)
	router := &fakeRouter{
		route: approvalRoute(t, nil),
		errs:  []error{errors.New("dial tcp: connection refused"), errors.New("provider timeout")},
	}
	b := execution.NewBridger(f.provider, router, execution.WithRouteRetry(3, time.Millisecond), execution.WithLogger(log.Nop()))
	if _, err := b.Bridge(context.Background(), usdcBridge(), nil); err != nil {
		t.Fatalf("Bridge failed: %v", err)
	}
	if router.Calls() != 3 {
		t.Fatalf("expected 3 route lookups, got %d", router.Calls())
	}
}

func TestBridgeNoRouteIsNotRetried(t *testing.T) {
	f := newFixture(t)
	router := &fakeRouter{
		route: approvalRoute(t, nil),
		errs:  []error{clierr.Invalid(clierr.KindNoRouteAvailable, "")},
	}
	b := execution.NewBridger(f.provider, router, execution.WithRouteRetry(3, time.Millisecond), execution.WithLogger(log.Nop()))
	_, err := b.Bridge(context.Background(), usdcBridge(), nil)
	if kindOf(err) != clierr.KindNoRouteAvailable || router.Calls() != 1 {
		t.Fatalf("expected one NoRouteAvailable lookup, got calls=%d err=%v", router.Calls(), err)
	}
}

func TestBridgeRejectsOversizedApproval(t *testing.T) {
	f := newFixture(t)
	router := &fakeRouter{route: approvalRoute(t, new(big.Int).Lsh(big.NewInt(1), 255))}
	b := execution.NewBridger(f.provider, router, execution.WithLogger(log.Nop()))
	_, err := b.Bridge(context.Background(), usdcBridge(), nil)
	if typed, ok := clierr.As(err); !ok || typed.Code != clierr.CodeActionPlan {
		t.Fatalf("expected plan error, got %v", err)
	}
	if len(f.base.Sent()) != 0 {
		t.Fatal("policy failures must not broadcast")
	}

	b = execution.NewBridger(f.provider, router, execution.WithPolicy(execution.PolicyOptions{AllowMaxApproval: true}), execution.WithLogger(log.Nop()))
	if _, err := b.Bridge(context.Background(), usdcBridge(), nil); err != nil {
		t.Fatalf("expected override to allow max approval, got %v", err)
	}
}

func TestBridgePartialFailureKeepsConfirmedSteps(t *testing.T) {
	f := newFixture(t)
	f.base.Call = func(msg ethereum.CallMsg) ([]byte, error) {
		if msg.To != nil && *msg.To == common.HexToAddress(bridgeTarget) {
			return nil, errors.New("execution reverted")
		}
		return []byte{}, nil
	}
	router := &fakeRouter{route: approvalRoute(t, nil)}
	b := execution.NewBridger(f.provider, router, execution.WithStore(f.store), execution.WithLogger(log.Nop()))

	var progress []execution.Progress
	res, err := b.Bridge(context.Background(), usdcBridge(), func(p execution.Progress) { progress = append(progress, p) })
	typed, ok := clierr.As(err)
	if !ok || typed.Kind != clierr.KindTransactionFailed {
		t.Fatalf("expected TransactionFailed, got %v", err)
	}
	if !strings.Contains(typed.Details, "partial") {
		t.Fatalf("expected partial status in details, got %q", typed.Details)
	}
	if res.Status != execution.ActionStatusPartial || len(progress) != 1 {
		t.Fatalf("unexpected partial result %+v progress=%+v", res, progress)
	}
	if res.TxHash != f.base.Sent()[0].Hash().Hex() || !strings.Contains(typed.Details, res.TxHash) {
		t.Fatalf("confirmed approval hash missing: %+v", res)
	}
	stored, err := f.store.Get(context.Background(), res.ActionID)
	if err != nil || stored.Status != execution.ActionStatusPartial || stored.Steps[1].Status != execution.StepStatusFailed {
		t.Fatalf("unexpected stored action %+v err=%v", stored, err)
	}
}

func TestBridgeReceiptTimeoutIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.base.Pending = true
	router := &fakeRouter{route: approvalRoute(t, nil)}
	b := execution.NewBridger(f.provider, router, execution.WithStore(f.store), execution.WithLogger(log.Nop()))

	_, err := b.Bridge(context.Background(), usdcBridge(), nil)
	typed, ok := clierr.As(err)
	if !ok || typed.Kind != clierr.KindTransactionFailed || typed.Recoverable {
		t.Fatalf("expected terminal TransactionFailed, got %v", err)
	}
	sent := f.base.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected the approval to be broadcast once, got %d", len(sent))
	}
	if !strings.Contains(typed.Details, "status=pending") || !strings.Contains(typed.Details, sent[0].Hash().Hex()) {
		t.Fatalf("expected pending status and hash in details, got %q", typed.Details)
	}
	if router.Calls() != 1 {
		t.Fatalf("expected a single route lookup, got %d", router.Calls())
	}
}
