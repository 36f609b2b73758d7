package units

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ValidateAmount checks that amount is a strictly positive decimal string.
func ValidateAmount(amount string) error {
	raw := strings.TrimSpace(amount)
	if !decimalPattern.MatchString(raw) {
		return clierr.Invalid(clierr.KindInvalidAmount, fmt.Sprintf("amount %q must be a positive decimal like 1.23", amount))
	}
	if strings.Trim(strings.Replace(raw, ".", "", 1), "0") == "" {
		return clierr.Invalid(clierr.KindInvalidAmount, "amount must be greater than zero")
	}
	return nil
}

// ToBaseUnits converts a positive decimal amount into integer base units.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if decimals < 0 {
		return nil, clierr.Invalid(clierr.KindInvalidAmount, "decimals must be >= 0")
	}
	raw := strings.TrimSpace(amount)
	parts := strings.SplitN(raw, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = strings.TrimRight(parts[1], "0")
	}
	if len(fracPart) > decimals {
		return nil, clierr.Invalid(clierr.KindInvalidAmount, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	combined := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", decimals-len(fracPart)), "0")
	out, ok := new(big.Int).SetString(combined, 10)
	if !ok || out.Sign() <= 0 {
		return nil, clierr.Invalid(clierr.KindInvalidAmount, "amount must be greater than zero")
	}
	return out, nil
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	neg := value.Sign() < 0
	s := new(big.Int).Abs(value).String()
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		intPart := s[:len(s)-decimals]
		fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
		s = intPart
		if fracPart != "" {
			s += "." + fracPart
		}
	}
	if neg {
		return "-" + s
	}
	return s
}

// Normalize trims redundant zeros from a decimal string.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, ".") {
		out := strings.TrimLeft(v, "0")
		if out == "" {
			return "0"
		}
		return out
	}
	parts := strings.SplitN(v, ".", 2)
	intPart := strings.TrimLeft(parts[0], "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart := strings.TrimRight(parts[1], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
