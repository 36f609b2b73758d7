package signer

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func clearSignerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvPrivateKey, "")
	t.Setenv(EnvPrivateKeyFile, "")
	t.Setenv(EnvKeystorePath, "")
	t.Setenv(EnvKeystorePassword, "")
	t.Setenv(EnvKeystorePasswordFile, "")
}

func TestNewLocalSignerFromEnvHex(t *testing.T) {
	clearSignerEnv(t)
	t.Setenv(EnvPrivateKey, "0x"+testPrivateKey)
	s, err := NewLocalSignerFromInputs(KeySourceEnv, "", nil)
	if err != nil {
		t.Fatalf("NewLocalSignerFromInputs failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(8453),
		To:        &to,
		Value:     big.NewInt(1),
		Gas:       21_000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
	})
	signed, err := s.SignTx(big.NewInt(8453), tx)
	if err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), signed)
	if err != nil || sender != s.Address() {
		t.Fatalf("recovered sender %s err=%v, want %s", sender.Hex(), err, s.Address().Hex())
	}
}

func TestNewLocalSignerFromEnvFile(t *testing.T) {
	clearSignerEnv(t)
	keyFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(keyFile, []byte(testPrivateKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv(EnvPrivateKeyFile, keyFile)

	s, err := NewLocalSignerFromInputs(KeySourceFile, "", nil)
	if err != nil {
		t.Fatalf("NewLocalSignerFromInputs failed: %v", err)
	}
	want, _ := FromHex(testPrivateKey)
	if s.Address() != want.Address() {
		t.Fatalf("file signer address %s, want %s", s.Address().Hex(), want.Address().Hex())
	}
}

func TestNewLocalSignerFromInputsAutoUsesDefaultKeyFile(t *testing.T) {
	clearSignerEnv(t)
	cfgDir := t.TempDir()
	keyDir := filepath.Join(cfgDir, "evmwallet")
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, "key.hex"), []byte(testPrivateKey), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", cfgDir)

	if _, err := NewLocalSignerFromInputs(KeySourceAuto, "", nil); err != nil {
		t.Fatalf("expected auto key-source to use default key path: %v", err)
	}
}

func TestNewLocalSignerFromInputsOverrideWinsOverFileSource(t *testing.T) {
	clearSignerEnv(t)
	t.Setenv(EnvPrivateKeyFile, "/tmp/does-not-exist")
	if _, err := NewLocalSignerFromInputs(KeySourceFile, testPrivateKey, nil); err != nil {
		t.Fatalf("expected private key override to win over file key-source: %v", err)
	}
}

func TestNewLocalSignerFromInputsRejectsUnknownSource(t *testing.T) {
	clearSignerEnv(t)
	_, err := NewLocalSignerFromInputs("vault", "", nil)
	if clierr.ExitCode(err) != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestKeystoreUsesPrompt(t *testing.T) {
	clearSignerEnv(t)
	pk, err := keys.ParsePrivateKey(testPrivateKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(pk, "hunter2")
	if err != nil {
		t.Fatalf("import keystore: %v", err)
	}
	t.Setenv(EnvKeystorePath, account.URL.Path)

	if _, err := NewLocalSignerFromInputs(KeySourceKeystore, "", nil); err == nil {
		t.Fatal("expected missing password error")
	}
	s, err := NewLocalSignerFromInputs(KeySourceKeystore, "", func() (string, error) { return "hunter2", nil })
	if err != nil {
		t.Fatalf("keystore signer failed: %v", err)
	}
	if s.Address() != account.Address {
		t.Fatalf("unexpected keystore address %s", s.Address().Hex())
	}
	_, err = NewLocalSignerFromInputs(KeySourceKeystore, "", func() (string, error) { return "", errors.New("no tty") })
	if err == nil {
		t.Fatal("expected prompt failure to surface")
	}
}

func TestDefaultPrivateKeyPathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/evmwallet-config-home")
	want := "/tmp/evmwallet-config-home/evmwallet/key.hex"
	if got := defaultPrivateKeyPath(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMissingKeyErrorIncludesPathHint(t *testing.T) {
	clearSignerEnv(t)
	_, err := NewLocalSignerFromInputs(KeySourceAuto, "", nil)
	if err == nil {
		t.Fatal("expected missing key error")
	}
	msg := err.Error()
	if !strings.Contains(msg, defaultPrivateKeyHintPath) || !strings.Contains(msg, EnvKeystorePath) {
		t.Fatalf("unexpected missing key message: %s", msg)
	}
	if clierr.ExitCode(err) != int(clierr.CodeSigner) {
		t.Fatalf("expected signer exit code, got %d", clierr.ExitCode(err))
	}
}
