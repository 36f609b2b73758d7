package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
)

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// allows the command path it names and every subcommand below it, so
// "wallet" admits "wallet balance".
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		a := normalize(allowed)
		if a == "" {
			continue
		}
		if a == normPath || strings.HasPrefix(normPath, a+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// signingCommands move funds and therefore need a key and explicit consent.
var signingCommands = map[string]struct{}{
	"transfer":   {},
	"bridge run": {},
}

// RequiresConfirmation reports whether commandPath broadcasts transactions.
func RequiresConfirmation(commandPath string) bool {
	_, ok := signingCommands[normalize(commandPath)]
	return ok
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
