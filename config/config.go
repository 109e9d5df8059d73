// Package config loads the issuer service configuration from a YAML file
// and ISSUER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	issuance "github.com/x402-foundation/issuance"
)

// EnvPrefix prefixes every environment override; "__" separates levels,
// so ISSUER_WALLET__API_KEY sets wallet.api_key.
const EnvPrefix = "ISSUER_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Wallet    WalletConfig    `koanf:"wallet"`
	Store     StoreConfig     `koanf:"store"`
	Audit     AuditConfig     `koanf:"audit"`
	TTL       TTLConfig       `koanf:"ttl"`
	Sweep     SweepConfig     `koanf:"sweep"`
	Poll      PollConfig      `koanf:"poll"`
	Policy    PolicyConfig    `koanf:"policy"`
	Assets    []AssetConfig   `koanf:"assets"`
	Native    NativeConfig    `koanf:"native"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LedgerConfig struct {
	URL    string `koanf:"url"`
	Issuer string `koanf:"issuer"`
	// Secret signs through the server's sign method; use ${VAR} to keep it out of the file
	Secret            string        `koanf:"secret"`
	SignerURL         string        `koanf:"signer_url"` // defaults to url
	Fee               string        `koanf:"fee"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	MaxRetries        uint          `koanf:"max_retries"`
	ValidationTimeout time.Duration `koanf:"validation_timeout"`
}

type WalletConfig struct {
	URL           string        `koanf:"url"`
	APIKey        string        `koanf:"api_key"`
	APISecret     string        `koanf:"api_secret"`
	PayloadExpiry time.Duration `koanf:"payload_expiry"`
	Timeout       time.Duration `koanf:"timeout"`
}

type StoreConfig struct {
	Type  string      `koanf:"type"` // redis, memory
	Redis RedisConfig `koanf:"redis"`

	// Ephemeral permits the in-process memory store and audit log. Step
	// markers kept there do not survive a restart.
	Ephemeral bool `koanf:"ephemeral"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type AuditConfig struct {
	Type     string         `koanf:"type"` // memory, sqlite, postgres
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type TTLConfig struct {
	Intents        time.Duration `koanf:"intents"`
	Verification   time.Duration `koanf:"verification"` // 0 keeps verified transactions forever
	CreationWindow time.Duration `koanf:"creation_window"`
}

type SweepConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type PollConfig struct {
	Interval time.Duration `koanf:"interval"`
	MaxWait  time.Duration `koanf:"max_wait"`
}

type PolicyConfig struct {
	AutoLockAfterSwap     bool     `koanf:"auto_lock_after_swap"`
	AutoUnlockAfterSwap   bool     `koanf:"auto_unlock_after_swap"`
	AutoClawbackBlacklist bool     `koanf:"auto_clawback_blacklist"`
	Blacklist             []string `koanf:"blacklist"`
	SerializePerHolder    bool     `koanf:"serialize_per_holder"`
}

type AssetConfig struct {
	Code          string `koanf:"code"`
	Issuer        string `koanf:"issuer"` // defaults to ledger.issuer
	Kind          string `koanf:"kind"`   // fungible, nft
	Rate          string `koanf:"rate"`
	RequireAuth   bool   `koanf:"require_auth"`
	AllowClawback bool   `koanf:"allow_clawback"`
	Taxon         uint32 `koanf:"taxon"`
	URI           string `koanf:"uri"`
	Active        bool   `koanf:"active"`
}

type NativeConfig struct {
	Currency string `koanf:"currency"`
	Decimals int32  `koanf:"decimals"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	// Tracing exports spans to stdout
	Tracing bool `koanf:"tracing"`
}

var defaults = map[string]interface{}{
	"server.addr":                 ":8080",
	"server.shutdown_timeout":     "15s",
	"ledger.fee":                  "12",
	"ledger.timeout":              "30s",
	"ledger.requests_per_second":  10,
	"ledger.burst":                10,
	"ledger.max_retries":          4,
	"ledger.validation_timeout":   "20s",
	"wallet.payload_expiry":       "5m",
	"wallet.timeout":              "30s",
	"store.type":                  "redis",
	"store.redis.addr":            "localhost:6379",
	"store.redis.prefix":          "issuer:",
	"audit.type":                  "sqlite",
	"audit.sqlite.path":           "issuer-audit.db",
	"ttl.intents":                 "1h",
	"ttl.verification":            "0s",
	"ttl.creation_window":         "30s",
	"sweep.interval":              "30s",
	"poll.interval":               "2s",
	"poll.max_wait":               "60s",
	"policy.serialize_per_holder": true,
	"native.currency":             "XRP",
	"native.decimals":             issuance.DefaultNativeDecimals,
	"log.level":                   "info",
	"log.format":                  "json",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (a missing file is not an error), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Ledger.Secret = substituteEnvVars(cfg.Ledger.Secret)
	cfg.Wallet.APIKey = substituteEnvVars(cfg.Wallet.APIKey)
	cfg.Wallet.APISecret = substituteEnvVars(cfg.Wallet.APISecret)
	cfg.Store.Redis.Password = substituteEnvVars(cfg.Store.Redis.Password)
	cfg.Audit.Postgres.DSN = substituteEnvVars(cfg.Audit.Postgres.DSN)
	if cfg.Ledger.SignerURL == "" {
		cfg.Ledger.SignerURL = cfg.Ledger.URL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate reports the first configuration error
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory":
		if !c.Store.Ephemeral {
			return errors.New("store.type memory loses step markers on restart; set store.ephemeral to use it")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}

	switch c.Audit.Type {
	case "memory":
		if !c.Store.Ephemeral {
			return errors.New("audit.type memory loses audit records on restart; set store.ephemeral to use it")
		}
	case "sqlite":
		if c.Audit.SQLite.Path == "" {
			return errors.New("audit.sqlite.path is required for the sqlite audit log")
		}
	case "postgres":
		if c.Audit.Postgres.DSN == "" {
			return errors.New("audit.postgres.dsn is required for the postgres audit log")
		}
	default:
		return fmt.Errorf("unknown audit.type %q", c.Audit.Type)
	}

	seen := make(map[string]bool, len(c.Assets))
	for i, a := range c.Assets {
		if a.Code == "" {
			return fmt.Errorf("assets[%d]: code is required", i)
		}
		if seen[a.Code] {
			return fmt.Errorf("assets[%d]: duplicate code %s", i, a.Code)
		}
		seen[a.Code] = true
		if a.Issuer == "" && c.Ledger.Issuer == "" {
			return fmt.Errorf("asset %s: issuer is required when ledger.issuer is not set", a.Code)
		}
		switch issuance.AssetKind(a.Kind) {
		case issuance.AssetNFT:
		case issuance.AssetFungible, "":
			if _, err := decimal.NewFromString(a.Rate); err != nil {
				return fmt.Errorf("asset %s: invalid rate %q", a.Code, a.Rate)
			}
		default:
			return fmt.Errorf("asset %s: unknown kind %q", a.Code, a.Kind)
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Catalog returns the configured assets
func (c *Config) Catalog() issuance.StaticCatalog {
	assets := make([]issuance.AssetConfig, 0, len(c.Assets))
	for _, a := range c.Assets {
		kind := issuance.AssetKind(a.Kind)
		if kind == "" {
			kind = issuance.AssetFungible
		}
		issuer := a.Issuer
		if issuer == "" {
			issuer = c.Ledger.Issuer
		}
		assets = append(assets, issuance.AssetConfig{
			Code:          a.Code,
			Issuer:        issuer,
			Kind:          kind,
			Rate:          a.Rate,
			RequireAuth:   a.RequireAuth,
			AllowClawback: a.AllowClawback,
			Taxon:         a.Taxon,
			URI:           a.URI,
			Active:        a.Active,
		})
	}
	return issuance.NewStaticCatalog(assets...)
}

// PolicySource returns the configured policy flags and blacklist
func (c *Config) PolicySource() issuance.StaticPolicy {
	blacklist := make(map[string]bool, len(c.Policy.Blacklist))
	for _, account := range c.Policy.Blacklist {
		blacklist[strings.TrimSpace(account)] = true
	}
	return issuance.StaticPolicy{
		Flags: issuance.Policy{
			AutoLockAfterSwap:     c.Policy.AutoLockAfterSwap,
			AutoUnlockAfterSwap:   c.Policy.AutoUnlockAfterSwap,
			AutoClawbackBlacklist: c.Policy.AutoClawbackBlacklist,
		},
		Blacklist: blacklist,
	}
}

// SweepTTLs returns the sweeper's retention periods
func (c *Config) SweepTTLs() issuance.SweepTTLs {
	return issuance.SweepTTLs{
		Intents:      c.TTL.Intents,
		Verification: c.TTL.Verification,
	}
}
