package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/keys"
)

const (
	EnvPrivateKey           = "EVMWALLET_PRIVATE_KEY"
	EnvPrivateKeyFile       = "EVMWALLET_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "EVMWALLET_KEYSTORE_PATH"
	EnvKeystorePassword     = "EVMWALLET_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "EVMWALLET_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "evmwallet/key.hex"
	defaultPrivateKeyHintPath     = "~/.config/evmwallet/key.hex"
)

// LocalSigner holds one private key in process memory.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// FromPrivateKey wraps an already parsed key.
func FromPrivateKey(pk *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{privateKey: pk, address: keys.AddressOf(pk)}
}

// FromHex parses a hex key, with or without 0x.
func FromHex(raw string) (*LocalSigner, error) {
	pk, err := keys.ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(pk), nil
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
	// PromptPassword is consulted when a keystore is selected but no
	// password was provided.
	PromptPassword func() (string, error)
}

// NewLocalSignerFromInputs picks key material from the environment according
// to source. A non-empty privateKeyOverride wins over every other source.
func NewLocalSignerFromInputs(source, privateKeyOverride string, prompt func() (string, error)) (*LocalSigner, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = KeySourceAuto
	}
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
		PromptPassword:       prompt,
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile()
	}

	switch source {
	case KeySourceAuto:
	case KeySourceEnv:
		cfg = LocalSignerConfig{PrivateKeyHex: cfg.PrivateKeyHex}
	case KeySourceFile:
		cfg = LocalSignerConfig{PrivateKeyFile: cfg.PrivateKeyFile}
	case KeySourceKeystore:
		cfg.PrivateKeyHex = ""
		cfg.PrivateKeyFile = ""
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore))
	}
	if strings.TrimSpace(privateKeyOverride) != "" {
		cfg = LocalSignerConfig{PrivateKeyHex: strings.TrimSpace(privateKeyOverride)}
	}
	return NewLocalSigner(cfg)
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(pk), nil
}

func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKeyHex) != "" {
		return keys.ParsePrivateKey(cfg.PrivateKeyHex)
	}
	if strings.TrimSpace(cfg.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "read private key file", err)
		}
		return keys.ParsePrivateKey(string(buf))
	}
	if strings.TrimSpace(cfg.KeystorePath) != "" {
		password, err := keystorePassword(cfg)
		if err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "read keystore file", err)
		}
		key, err := keystore.DecryptKey(buf, password)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "decrypt keystore", err)
		}
		return key.PrivateKey, nil
	}
	return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("missing signing key: set %s, write the key to %s, or set %s", EnvPrivateKey, defaultPrivateKeyHintPath, EnvKeystorePath))
}

func keystorePassword(cfg LocalSignerConfig) (string, error) {
	password := strings.TrimSpace(cfg.KeystorePassword)
	if password == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeSigner, "read keystore password file", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" && cfg.PromptPassword != nil {
		prompted, err := cfg.PromptPassword()
		if err != nil {
			return "", clierr.Wrap(clierr.CodeSigner, "read keystore password", err)
		}
		password = strings.TrimSpace(prompted)
	}
	if password == "" {
		return "", clierr.New(clierr.CodeSigner, "keystore password is required")
	}
	return password, nil
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultPrivateKeyRelativePath)
}

func discoverDefaultPrivateKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
