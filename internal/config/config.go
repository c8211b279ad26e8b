package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvRPCURL     = "BROKER_RPC_URL"
	EnvConfigPath = "BROKER_CONFIG"
	EnvDataDir    = "BROKER_DATA_DIR"
)

// Settings is the resolved runtime configuration for the pipeline.
type Settings struct {
	RPCURL           string
	ChainID          int64
	NativeSymbol     string
	RPCTimeout       time.Duration
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	PendingExpiry    time.Duration
	PinCacheTTL      time.Duration
	TokenCacheTTL    time.Duration
	TokenCachePath   string
	TokenCacheLock   string
	HistoryPath      string
	HistoryLock      string
	KeystoreDir      string
	LogLevel         string
	LogFilePath      string
	GasLimitFallback uint64
	GasPriceFallback int64
}

type fileConfig struct {
	Chain struct {
		RPCURL       string `yaml:"rpc_url"`
		ChainID      int64  `yaml:"chain_id"`
		NativeSymbol string `yaml:"native_symbol"`
	} `yaml:"chain"`
	Timeouts struct {
		RPC          string `yaml:"rpc"`
		Confirm      string `yaml:"confirm"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"timeouts"`
	Pending struct {
		Expiry string `yaml:"expiry"`
	} `yaml:"pending"`
	Pin struct {
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"pin"`
	TokenCache struct {
		TTL      string `yaml:"ttl"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"token_cache"`
	History struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"history"`
	Keystore struct {
		Dir string `yaml:"dir"`
	} `yaml:"keystore"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	Gas struct {
		LimitFallback uint64 `yaml:"limit_fallback"`
		PriceFallback int64  `yaml:"price_fallback_wei"`
	} `yaml:"gas"`
}

// Defaults returns the settings used when no config file is present.
// The chain defaults target BSC mainnet, where the broker contracts live.
func Defaults() Settings {
	dataDir := strings.TrimSpace(os.Getenv(EnvDataDir))
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataDir = filepath.Join(home, ".tidaldex-broker")
	}
	return Settings{
		RPCURL:           "https://bsc-dataseed.binance.org",
		ChainID:          56,
		NativeSymbol:     "BNB",
		RPCTimeout:       15 * time.Second,
		ConfirmTimeout:   2 * time.Minute,
		PollInterval:     2 * time.Second,
		PendingExpiry:    time.Hour,
		PinCacheTTL:      30 * time.Minute,
		TokenCacheTTL:    6 * time.Hour,
		TokenCachePath:   filepath.Join(dataDir, "tokens.db"),
		TokenCacheLock:   filepath.Join(dataDir, "tokens.lock"),
		HistoryPath:      filepath.Join(dataDir, "history.db"),
		HistoryLock:      filepath.Join(dataDir, "history.lock"),
		KeystoreDir:      filepath.Join(dataDir, "keystore"),
		LogLevel:         "info",
		GasLimitFallback: 250_000,
		GasPriceFallback: 5_000_000_000, // 5 gwei
	}
}

// Load reads the YAML config at path (or $BROKER_CONFIG when path is
// empty) and merges it over Defaults. A missing file is not an error;
// a malformed one is.
func Load(path string) (Settings, error) {
	settings := Defaults()

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(buf, &fc); err != nil {
				return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := applyFile(&settings, fc); err != nil {
				return Settings{}, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}

	if env := strings.TrimSpace(os.Getenv(EnvRPCURL)); env != "" {
		settings.RPCURL = env
	}
	if settings.ChainID <= 0 {
		return Settings{}, fmt.Errorf("chain id must be positive, got %d", settings.ChainID)
	}
	return settings, nil
}

func applyFile(s *Settings, fc fileConfig) error {
	if v := strings.TrimSpace(fc.Chain.RPCURL); v != "" {
		s.RPCURL = v
	}
	if fc.Chain.ChainID != 0 {
		s.ChainID = fc.Chain.ChainID
	}
	if v := strings.TrimSpace(fc.Chain.NativeSymbol); v != "" {
		s.NativeSymbol = v
	}
	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.Timeouts.RPC, &s.RPCTimeout, "timeouts.rpc"},
		{fc.Timeouts.Confirm, &s.ConfirmTimeout, "timeouts.confirm"},
		{fc.Timeouts.PollInterval, &s.PollInterval, "timeouts.poll_interval"},
		{fc.Pending.Expiry, &s.PendingExpiry, "pending.expiry"},
		{fc.Pin.CacheTTL, &s.PinCacheTTL, "pin.cache_ttl"},
		{fc.TokenCache.TTL, &s.TokenCacheTTL, "token_cache.ttl"},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
		*d.dst = parsed
	}
	if v := strings.TrimSpace(fc.TokenCache.Path); v != "" {
		s.TokenCachePath = v
	}
	if v := strings.TrimSpace(fc.TokenCache.LockPath); v != "" {
		s.TokenCacheLock = v
	}
	if v := strings.TrimSpace(fc.History.Path); v != "" {
		s.HistoryPath = v
	}
	if v := strings.TrimSpace(fc.History.LockPath); v != "" {
		s.HistoryLock = v
	}
	if v := strings.TrimSpace(fc.Keystore.Dir); v != "" {
		s.KeystoreDir = v
	}
	if v := strings.TrimSpace(fc.Log.Level); v != "" {
		s.LogLevel = v
	}
	if v := strings.TrimSpace(fc.Log.File); v != "" {
		s.LogFilePath = v
	}
	if fc.Gas.LimitFallback > 0 {
		s.GasLimitFallback = fc.Gas.LimitFallback
	}
	if fc.Gas.PriceFallback > 0 {
		s.GasPriceFallback = fc.Gas.PriceFallback
	}
	return nil
}
