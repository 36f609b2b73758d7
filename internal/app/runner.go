package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/evm-agent-wallet/internal/cache"
	"github.com/ggonzalez94/evm-agent-wallet/internal/config"
	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution"
	"github.com/ggonzalez94/evm-agent-wallet/internal/execution/signer"
	"github.com/ggonzalez94/evm-agent-wallet/internal/httpx"
	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/model"
	"github.com/ggonzalez94/evm-agent-wallet/internal/out"
	"github.com/ggonzalez94/evm-agent-wallet/internal/policy"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers/across"
	"github.com/ggonzalez94/evm-agent-wallet/internal/providers/lifi"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
	"github.com/ggonzalez94/evm-agent-wallet/internal/schema"
	"github.com/ggonzalez94/evm-agent-wallet/internal/service"
	"github.com/ggonzalez94/evm-agent-wallet/internal/version"
	"github.com/ggonzalez94/evm-agent-wallet/internal/wallet"
)

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time

	// dial replaces the JSON-RPC dialer when set.
	dial wallet.Dialer
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:  os.Stdin,
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool
	// lastData is attached to the error envelope when a command fails after
	// producing a partial result, such as a bridge whose approval confirmed.
	lastData any

	registry    *registry.Registry
	overrides   map[string]string
	cache       *cache.Store
	actionStore *execution.Store
	services    []*service.Service
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	for _, svc := range s.services {
		svc.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.actionStore != nil {
		_ = s.actionStore.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Agent-first multi-chain EVM wallet",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			log.Init(settings.LogLevel, settings.LogJSON)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			reg := registry.NewDefault()
			overrides, err := settings.ApplyChains(reg)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "apply chain configuration", err)
			}
			s.registry = reg
			s.overrides = overrides

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			if shouldOpenActionStore(path) && s.actionStore == nil {
				store, err := execution.OpenStore(settings.ActionStorePath, settings.ActionLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open action store", err)
				}
				s.actionStore = store
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Request timeout for RPC and routing calls")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per routing HTTP request")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the token metadata cache")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&s.flags.LogJSON, "log-json", false, "Emit logs on stderr as JSON")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(s.newKeysCommand())
	cmd.AddCommand(s.newTransferCommand())
	cmd.AddCommand(s.newBridgeCommand())
	cmd.AddCommand(s.newActionsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil, false)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Routing provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List bridge routing providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := make([]providers.Info, 0, len(bridgeProviderNames))
			for _, name := range bridgeProviderNames {
				p, _ := s.bridgeProvider(name)
				infos = append(infos, p.Info())
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), infos, nil, nil, false)
		},
	}
	root.AddCommand(list)
	return root
}

// bridgeProviderNames lists routing providers in preference order; the first
// is used when --provider is omitted.
var bridgeProviderNames = []string{"lifi", "across"}

type bridgeProvider interface {
	providers.Router
	providers.SettlementTracker
}

func (s *runtimeState) bridgeProvider(name string) (bridgeProvider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = bridgeProviderNames[0]
	}
	switch name {
	case "lifi":
		return lifi.New(s.httpClient(), s.settings.LiFiAPIKey), nil
	case "across":
		return across.New(s.httpClient()), nil
	default:
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported bridge provider %q (use %s)", name, strings.Join(bridgeProviderNames, "|")))
	}
}

func (s *runtimeState) httpClient() *httpx.Client {
	return httpx.New(s.settings.Timeout, s.settings.Retries)
}

// newService composes the wallet service for one command. sig may be nil
// for read-only commands.
func (s *runtimeState) newService(sig signer.Signer, txOpts *wallet.TxOptions) *service.Service {
	return s.newServiceWithPolicy(sig, txOpts, execution.PolicyOptions{}, nil)
}

// newServiceWithPolicy additionally routes bridges through bp; a nil bp
// keeps the service default.
func (s *runtimeState) newServiceWithPolicy(sig signer.Signer, txOpts *wallet.TxOptions, pol execution.PolicyOptions, bp bridgeProvider) *service.Service {
	cfg := service.Config{
		Registry:       s.registry,
		Signer:         sig,
		Dialer:         s.runner.dial,
		TxOptions:      txOpts,
		RPCOverrides:   s.overrides,
		HTTP:           s.httpClient(),
		LiFiAPIKey:     s.settings.LiFiAPIKey,
		TokenCacheTTL:  s.settings.CacheTTL,
		RetryAttempts:  s.settings.RetryAttempts,
		RetryBaseDelay: s.settings.RetryBaseDelay,
		Policy:         pol,
	}
	if s.cache != nil {
		cfg.TokenCache = s.cache
	}
	if s.actionStore != nil {
		cfg.Store = s.actionStore
	}
	if bp != nil {
		cfg.Router = bp
		cfg.Settlements = bp
	}
	svc := service.New(cfg)
	s.services = append(s.services, svc)
	return svc
}

// commandContext bounds read commands by --timeout.
func (s *runtimeState) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	var data any = []any{}
	if s.lastData != nil {
		data = s.lastData
	}
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  false,
		Data:     data,
		Error:    errorBody(err),
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorBody(err error) *model.ErrorBody {
	code := clierr.Code(clierr.ExitCode(err))
	message := err.Error()
	if typed, ok := clierr.As(err); ok {
		message = typed.Message
		if typed.Cause != nil {
			message = fmt.Sprintf("%s: %v", typed.Message, typed.Cause)
		}
	}
	cErr := clierr.Classify(err)
	return &model.ErrorBody{
		Code:        int(code),
		Type:        errorType(code),
		Kind:        string(cErr.Kind),
		Message:     message,
		Details:     cErr.Details,
		Suggestions: cErr.Suggestions,
		Recoverable: cErr.Recoverable,
	}
}

func errorType(code clierr.Code) string {
	switch code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "provider_unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeBlocked:
		return "command_blocked"
	case clierr.CodeSigner:
		return "signer_error"
	case clierr.CodeActionPlan:
		return "action_plan_error"
	case clierr.CodeActionSim:
		return "simulation_failed"
	case clierr.CodeActionTimeout:
		return "action_timeout"
	case clierr.CodeFunds:
		return "insufficient_funds"
	case clierr.CodeTxFailed:
		return "transaction_failed"
	default:
		return "internal_error"
	}
}

func newRequestID() string {
	return uuid.NewString()
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
	return "error"
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// shouldOpenCache reports whether a command reads token metadata.
func shouldOpenCache(commandPath string) bool {
	return normalizeCommandPath(commandPath) == "wallet tokens"
}

func shouldOpenActionStore(commandPath string) bool {
	path := normalizeCommandPath(commandPath)
	switch {
	case path == "transfer", path == "bridge run", path == "bridge status":
		return true
	case strings.HasPrefix(path, "actions"):
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
	s.lastData = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
