package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/evm-agent-wallet/internal/log"
	"github.com/ggonzalez94/evm-agent-wallet/internal/registry"
)

const envPrefix = "EVMWALLET_"

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	NoCache        bool
	LogLevel       string
	LogJSON        bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int

	LogLevel string
	LogJSON  bool

	RetryAttempts  int
	RetryBaseDelay time.Duration

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	CacheTTL      time.Duration

	ActionStorePath string
	ActionLockPath  string
	PollInterval    time.Duration
	ReceiptTimeout  time.Duration
	GasMultiplier   float64

	LiFiAPIKey string

	// Chains holds user-defined networks and per-chain overrides keyed by
	// lower-case chain name.
	Chains map[string]ChainSettings
}

// ChainSettings overrides or adds one network. A zero ChainID means the entry
// only adjusts a built-in chain.
type ChainSettings struct {
	ChainID        int64
	RPCURL         string
	NativeSymbol   string
	NativeDecimals int
	ExplorerURL    string
	Testnet        bool
	TokenBalances  bool
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level string `yaml:"level"`
		JSON  *bool  `yaml:"json"`
	} `yaml:"log"`
	Retry struct {
		Attempts  *int   `yaml:"attempts"`
		BaseDelay string `yaml:"base_delay"`
	} `yaml:"retry"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		TTL      string `yaml:"ttl"`
	} `yaml:"cache"`
	Execution struct {
		ActionsPath     string   `yaml:"actions_path"`
		ActionsLockPath string   `yaml:"actions_lock_path"`
		PollInterval    string   `yaml:"poll_interval"`
		ReceiptTimeout  string   `yaml:"receipt_timeout"`
		GasMultiplier   *float64 `yaml:"gas_multiplier"`
	} `yaml:"execution"`
	Chains    map[string]fileChain `yaml:"chains"`
	Providers struct {
		LiFi struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"lifi"`
	} `yaml:"providers"`
}

type fileChain struct {
	ChainID        int64  `yaml:"chain_id"`
	RPCURL         string `yaml:"rpc_url"`
	NativeSymbol   string `yaml:"native_symbol"`
	NativeDecimals int    `yaml:"native_decimals"`
	ExplorerURL    string `yaml:"explorer_url"`
	Testnet        bool   `yaml:"testnet"`
	TokenBalances  bool   `yaml:"token_balances"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings, os.Environ())

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.RetryAttempts <= 0 {
		settings.RetryAttempts = 1
	}
	if settings.RetryBaseDelay < 0 {
		settings.RetryBaseDelay = 0
	}
	if settings.GasMultiplier <= 1 {
		settings.GasMultiplier = 1.2
	}
	if !log.ValidLevel(settings.LogLevel) {
		return Settings{}, fmt.Errorf("unknown log level %q", settings.LogLevel)
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:      "json",
		Timeout:         30 * time.Second,
		Retries:         2,
		LogLevel:        "warn",
		RetryAttempts:   3,
		RetryBaseDelay:  500 * time.Millisecond,
		CacheEnabled:    true,
		CachePath:       cachePath,
		CacheLockPath:   lockPath,
		CacheTTL:        7 * 24 * time.Hour,
		ActionStorePath: filepath.Join(cacheDir, "actions.db"),
		ActionLockPath:  filepath.Join(cacheDir, "actions.lock"),
		PollInterval:    2 * time.Second,
		ReceiptTimeout:  2 * time.Minute,
		GasMultiplier:   1.2,
		Chains:          map[string]ChainSettings{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "evmwallet", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "evmwallet")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.JSON != nil {
		settings.LogJSON = *cfg.Log.JSON
	}
	if cfg.Retry.Attempts != nil {
		settings.RetryAttempts = *cfg.Retry.Attempts
	}
	if cfg.Retry.BaseDelay != "" {
		d, err := time.ParseDuration(cfg.Retry.BaseDelay)
		if err != nil {
			return fmt.Errorf("config retry.base_delay: %w", err)
		}
		settings.RetryBaseDelay = d
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Cache.TTL != "" {
		d, err := time.ParseDuration(cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("config cache.ttl: %w", err)
		}
		settings.CacheTTL = d
	}
	if cfg.Execution.ActionsPath != "" {
		settings.ActionStorePath = cfg.Execution.ActionsPath
	}
	if cfg.Execution.ActionsLockPath != "" {
		settings.ActionLockPath = cfg.Execution.ActionsLockPath
	}
	if cfg.Execution.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Execution.PollInterval)
		if err != nil {
			return fmt.Errorf("config execution.poll_interval: %w", err)
		}
		settings.PollInterval = d
	}
	if cfg.Execution.ReceiptTimeout != "" {
		d, err := time.ParseDuration(cfg.Execution.ReceiptTimeout)
		if err != nil {
			return fmt.Errorf("config execution.receipt_timeout: %w", err)
		}
		settings.ReceiptTimeout = d
	}
	if cfg.Execution.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Execution.GasMultiplier
	}
	for name, c := range cfg.Chains {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		settings.Chains[key] = ChainSettings{
			ChainID:        c.ChainID,
			RPCURL:         strings.TrimSpace(c.RPCURL),
			NativeSymbol:   c.NativeSymbol,
			NativeDecimals: c.NativeDecimals,
			ExplorerURL:    c.ExplorerURL,
			Testnet:        c.Testnet,
			TokenBalances:  c.TokenBalances,
		}
	}
	if cfg.Providers.LiFi.APIKey != "" {
		settings.LiFiAPIKey = cfg.Providers.LiFi.APIKey
	}
	if cfg.Providers.LiFi.APIKeyEnv != "" {
		settings.LiFiAPIKey = os.Getenv(cfg.Providers.LiFi.APIKeyEnv)
	}

	return nil
}

func applyEnv(settings *Settings, environ []string) {
	env := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, envPrefix) && v != "" {
			env[strings.TrimPrefix(k, envPrefix)] = v
		}
	}

	if v := env["OUTPUT"]; v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := env["TIMEOUT"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := env["RETRIES"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := env["LOG_LEVEL"]; v != "" {
		settings.LogLevel = v
	}
	if v := env["LOG_JSON"]; v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.LogJSON = b
		}
	}
	if v := env["RETRY_ATTEMPTS"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RetryAttempts = n
		}
	}
	if v := env["RETRY_BASE_DELAY"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RetryBaseDelay = d
		}
	}
	if v := env["NO_CACHE"]; v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := env["CACHE_PATH"]; v != "" {
		settings.CachePath = v
	}
	if v := env["CACHE_LOCK_PATH"]; v != "" {
		settings.CacheLockPath = v
	}
	if v := env["ACTIONS_PATH"]; v != "" {
		settings.ActionStorePath = v
	}
	if v := env["ACTIONS_LOCK_PATH"]; v != "" {
		settings.ActionLockPath = v
	}
	if v := env["LIFI_API_KEY"]; v != "" {
		settings.LiFiAPIKey = v
	}

	// EVMWALLET_RPC_BASE_SEPOLIA overrides the RPC of base-sepolia.
	for k, v := range env {
		name, ok := strings.CutPrefix(k, "RPC_")
		if !ok || name == "" {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(name), "_", "-")
		c := settings.Chains[key]
		c.RPCURL = strings.TrimSpace(v)
		settings.Chains[key] = c
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		parts := strings.Split(flags.EnableCommands, ",")
		allowed := make([]string, 0, len(parts))
		for _, part := range parts {
			v := strings.TrimSpace(part)
			if v != "" {
				allowed = append(allowed, v)
			}
		}
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.LogJSON {
		settings.LogJSON = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

// ApplyChains registers custom networks in reg and returns the RPC overrides
// for chains that only adjust a built-in entry.
func (s Settings) ApplyChains(reg *registry.Registry) (map[string]string, error) {
	names := make([]string, 0, len(s.Chains))
	for name := range s.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	overrides := map[string]string{}
	for _, name := range names {
		c := s.Chains[name]
		existing, known := reg.Lookup(name)
		if c.ChainID == 0 && !known {
			return nil, fmt.Errorf("chain %s: chain_id is required for a chain that is not built in", name)
		}
		if c.ChainID == 0 || (known && c.ChainID == existing.ChainID && !c.redefines()) {
			if known && c.TokenBalances && !existing.TokenBalances {
				existing.TokenBalances = true
				if err := reg.Register(existing.Name, existing); err != nil {
					return nil, fmt.Errorf("chain %s: %w", name, err)
				}
			}
			if c.RPCURL != "" {
				overrides[name] = c.RPCURL
			}
			continue
		}
		d := registry.Descriptor{
			ChainID:        c.ChainID,
			RPCURL:         c.RPCURL,
			NativeSymbol:   c.NativeSymbol,
			NativeDecimals: c.NativeDecimals,
			ExplorerURL:    c.ExplorerURL,
			Testnet:        c.Testnet,
			TokenBalances:  c.TokenBalances,
		}
		if err := reg.Register(name, d); err != nil {
			return nil, fmt.Errorf("chain %s: %w", name, err)
		}
	}
	return overrides, nil
}

func (c ChainSettings) redefines() bool {
	return c.NativeSymbol != "" || c.NativeDecimals != 0 || c.ExplorerURL != "" || c.Testnet
}
