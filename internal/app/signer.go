package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	execsigner "github.com/ggonzalez94/evm-agent-wallet/internal/execution/signer"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
)

const maxSecretBytes = 1 << 16

// readSecret prompts on the terminal without echo, or reads stdin to EOF when
// it is not a terminal.
func (r *Runner) readSecret(label string) (string, error) {
	if f, ok := r.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprintf(r.stderr, "%s: ", label)
		buf, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(r.stderr)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeSigner, "read "+strings.ToLower(label), err)
		}
		return strings.TrimSpace(string(buf)), nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.stdin, maxSecretBytes))
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "read stdin", err)
	}
	return strings.TrimSpace(string(buf)), nil
}

type signerFlags struct {
	keySource      string
	confirmAddress string
}

func (f *signerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&f.confirmAddress, "confirm-address", "", "Require signer address to match this value")
}

func (s *runtimeState) loadSigner(f signerFlags) (execsigner.Signer, error) {
	local, err := execsigner.NewLocalSignerFromInputs(f.keySource, "", func() (string, error) {
		return s.runner.readSecret("Keystore password")
	})
	if err != nil {
		return nil, err
	}
	if confirm := strings.TrimSpace(f.confirmAddress); confirm != "" && !strings.EqualFold(confirm, local.Address().Hex()) {
		return nil, clierr.New(clierr.CodeSigner, "signer address does not match --confirm-address")
	}
	return local, nil
}

// txFlags tune submission for commands that broadcast. Empty values fall back
// to configuration.
type txFlags struct {
	simulate           bool
	pollInterval       string
	stepTimeout        string
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
}

func (f *txFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.simulate, "simulate", true, "Run preflight simulation before submission")
	cmd.Flags().StringVar(&f.pollInterval, "poll-interval", "", "Receipt polling interval")
	cmd.Flags().StringVar(&f.stepTimeout, "step-timeout", "", "Per-step receipt timeout")
	cmd.Flags().Float64Var(&f.gasMultiplier, "gas-multiplier", 0, "Gas estimate safety multiplier")
	cmd.Flags().StringVar(&f.maxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	cmd.Flags().StringVar(&f.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")
}

func (s *runtimeState) txOptions(f txFlags) (wallet.TxOptions, error) {
	opts := wallet.TxOptions{
		Simulate:           f.simulate,
		PollInterval:       s.settings.PollInterval,
		ReceiptTimeout:     s.settings.ReceiptTimeout,
		GasMultiplier:      s.settings.GasMultiplier,
		MaxFeeGwei:         strings.TrimSpace(f.maxFeeGwei),
		MaxPriorityFeeGwei: strings.TrimSpace(f.maxPriorityFeeGwei),
	}
	if v := strings.TrimSpace(f.pollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return wallet.TxOptions{}, clierr.New(clierr.CodeUsage, "invalid --poll-interval")
		}
		opts.PollInterval = d
	}
	if v := strings.TrimSpace(f.stepTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return wallet.TxOptions{}, clierr.New(clierr.CodeUsage, "invalid --step-timeout")
		}
		opts.ReceiptTimeout = d
	}
	if f.gasMultiplier != 0 {
		if f.gasMultiplier <= 1 {
			return wallet.TxOptions{}, clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
		}
		opts.GasMultiplier = f.gasMultiplier
	}
	return opts, nil
}
