package app

import (
	"strings"
	"testing"
)

func TestChainsListHidesTestnetsByDefault(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run(t, "chains", "list", "--results-only"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, env.stderr.String())
	}
	var out []map[string]any
	env.decodeStdout(t, &out)
	sawBase := false
	for _, c := range out {
		if c["testnet"] == true {
			t.Fatalf("unexpected testnet in default listing: %v", c["name"])
		}
		if c["name"] == "base" {
			sawBase = true
		}
	}
	if !sawBase {
		t.Fatalf("expected base in listing: %s", env.stdout.String())
	}

	if code := env.run(t, "chains", "list", "--testnets", "--results-only"); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(env.stdout.String(), "base-sepolia") {
		t.Fatalf("expected testnets with --testnets: %s", env.stdout.String())
	}
}

func TestChainsShowResolvesAlias(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run(t, "chains", "show", "arb", "--results-only"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, env.stderr.String())
	}
	var out map[string]any
	env.decodeStdout(t, &out)
	if out["name"] != "arbitrum" || out["caip2"] != "eip155:42161" {
		t.Fatalf("unexpected chain: %s", env.stdout.String())
	}
}

func TestChainsShowUnknownChain(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run(t, "chains", "show", "atlantis"); code != 13 {
		t.Fatalf("expected exit 13, got %d stderr=%s", code, env.stderr.String())
	}
	if body := env.errorEnvelope(t); body["kind"] != "UnknownChain" {
		t.Fatalf("unexpected kind: %v", body["kind"])
	}
}

func TestWalletImportReadsKeyFromStdin(t *testing.T) {
	env := newTestEnv(t)
	env.runner.stdin = strings.NewReader(strings.TrimPrefix(onesKey, "0x") + "\n")
	if code := env.run(t, "wallet", "import", "--chain", "op", "--results-only"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, env.stderr.String())
	}
	var out map[string]any
	env.decodeStdout(t, &out)
	if !strings.EqualFold(out["address"].(string), onesAddress) || out["chain"] != "optimism" {
		t.Fatalf("unexpected wallet: %s", env.stdout.String())
	}
	if out["private_key"] != "" || strings.Contains(env.stdout.String(), strings.Repeat("1", 64)) {
		t.Fatalf("private key must be redacted by default: %s", env.stdout.String())
	}
}

func TestWalletImportRejectsInvalidKey(t *testing.T) {
	env := newTestEnv(t)
	env.runner.stdin = strings.NewReader("0x1234")
	if code := env.run(t, "wallet", "import"); code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, env.stderr.String())
	}
	body := env.errorEnvelope(t)
	if body["kind"] != "InvalidPrivateKey" || body["recoverable"] != false {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestWalletCreateReturnsKeyOnce(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run(t, "wallet", "create", "--chain", "base", "--results-only"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, env.stderr.String())
	}
	var out map[string]any
	env.decodeStdout(t, &out)
	key, _ := out["private_key"].(string)
	if len(key) != 66 || out["origin"] != "generated" {
		t.Fatalf("unexpected wallet: %s", env.stdout.String())
	}
}

func TestWalletAddressRequiresSigner(t *testing.T) {
	env := newTestEnv(t)
	if code := env.run(t, "wallet", "address", "--key-source", "env"); code != 17 {
		t.Fatalf("expected exit 17, got %d stderr=%s", code, env.stderr.String())
	}

	t.Setenv("EVMWALLET_PRIVATE_KEY", onesKey)
	if code := env.run(t, "wallet", "address", "--results-only"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, env.stderr.String())
	}
	var out map[string]any
	env.decodeStdout(t, &out)
	if out["address"] != onesAddress {
		t.Fatalf("unexpected address: %s", env.stdout.String())
	}

	if code := env.run(t, "wallet", "address", "--confirm-address", testRecipient); code != 17 {
		t.Fatalf("expected confirm-address mismatch to exit 17, got %d", code)
	}
}

func TestWalletBalanceUnreachableChainIsPartial(t *testing.T) {
	env := newTestEnv(t)
	code := env.run(t, "wallet", "balance", "--chain", "base", "--address", testRecipient)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, env.stderr.String())
	}
	var out map[string]any
	env.decodeStdout(t, &out)
	data := out["data"].(map[string]any)
	meta := out["meta"].(map[string]any)
	if data["available"] != false || meta["partial"] != true {
		t.Fatalf("expected an unavailable partial balance: %s", env.stdout.String())
	}
	if env.net.Dials("http://base") == 0 {
		t.Fatal("expected the base override to be dialed")
	}
}

func TestKeysDetectReportsAddressesOnly(t *testing.T) {
	env := newTestEnv(t)
	code := env.run(t, "keys", "detect", "my", "key", "is", onesKey, "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, env.stderr.String())
	}
	if strings.Contains(env.stdout.String(), strings.Repeat("1", 64)) {
		t.Fatalf("detected keys must not be echoed: %s", env.stdout.String())
	}
	var out map[string]any
	env.decodeStdout(t, &out)
	matches := out["matches"].([]any)
	if out["count"] != float64(1) || len(matches) != 1 {
		t.Fatalf("unexpected scan: %s", env.stdout.String())
	}
	if addr := matches[0].(map[string]any)["address"]; addr != onesAddress {
		t.Fatalf("unexpected address: %v", addr)
	}
}
