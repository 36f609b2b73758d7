package keys

import (
	"crypto/ecdsa"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
)

var (
	privateKeyPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
	addressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Origin records how a wallet's key material came to exist.
type Origin string

const (
	OriginGenerated Origin = "generated"
	OriginImported  Origin = "imported"
)

// Wallet is key material plus its derived identity. It is never persisted.
type Wallet struct {
	PrivateKey string    `json:"private_key"`
	PublicKey  string    `json:"public_key"`
	Address    string    `json:"address"`
	Chain      string    `json:"chain"`
	Origin     Origin    `json:"origin"`
	CreatedAt  time.Time `json:"created_at"`
}

// Generate creates a wallet from a fresh secp256k1 key.
func Generate(chain string) (Wallet, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return Wallet{}, clierr.Wrap(clierr.CodeInternal, "generate private key", err)
	}
	return walletFromKey(pk, chain, OriginGenerated), nil
}

// ImportPrivateKey builds a wallet from a hex key, with or without 0x.
func ImportPrivateKey(key, chain string) (Wallet, error) {
	pk, err := ParsePrivateKey(key)
	if err != nil {
		return Wallet{}, err
	}
	return walletFromKey(pk, chain, OriginImported), nil
}

// ParsePrivateKey decodes a 32-byte hex scalar and checks it lies on the curve.
func ParsePrivateKey(key string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimSpace(key)
	if !privateKeyPattern.MatchString(clean) {
		return nil, clierr.Invalid(clierr.KindInvalidPrivateKey, "private key must be 64 hex characters, optionally prefixed with 0x")
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X"))
	if err != nil {
		invalid := clierr.Invalid(clierr.KindInvalidPrivateKey, "private key is outside the secp256k1 range")
		invalid.Cause = err
		return nil, invalid
	}
	return pk, nil
}

func IsValidPrivateKey(key string) bool {
	_, err := ParsePrivateKey(key)
	return err == nil
}

// IsValidAddress accepts 0x-prefixed 40 hex character addresses. Mixed case
// input must carry a correct EIP-55 checksum.
func IsValidAddress(addr string) bool {
	if !addressPattern.MatchString(addr) {
		return false
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(addr).Hex() == addr
}

// NormalizeKey returns the 0x-prefixed lower-case form of a key.
func NormalizeKey(key string) string {
	clean := strings.TrimSpace(key)
	if len(clean) > 2 && (clean[:2] == "0x" || clean[:2] == "0X") {
		clean = clean[2:]
	}
	return "0x" + strings.ToLower(clean)
}

// AddressOf derives the checksummed address of a private key.
func AddressOf(pk *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(pk.PublicKey)
}

func walletFromKey(pk *ecdsa.PrivateKey, chain string, origin Origin) Wallet {
	return Wallet{
		PrivateKey: hexutil.Encode(crypto.FromECDSA(pk)),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&pk.PublicKey)),
		Address:    AddressOf(pk).Hex(),
		Chain:      strings.ToLower(strings.TrimSpace(chain)),
		Origin:     origin,
		CreatedAt:  time.Now().UTC(),
	}
}

// Redacted returns a copy without the private key.
func (w Wallet) Redacted() Wallet {
	w.PrivateKey = ""
	return w
}

func (w Wallet) String() string {
	return fmt.Sprintf("%s (%s)", w.Address, w.Origin)
}
