// Package config loads server settings from defaults, an optional YAML or
// TOML file and JSONRPC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
	ErrInvalidListenAddr = errors.New("config: invalid listen address")
)

type Config struct {
	ListenAddr string
	Log        LogConfig
	Engine     EngineConfig
	Dispatch   DispatchConfig
	RateLimit  RateLimitConfig
	Limits     LimitsConfig
}

type LogConfig struct {
	Level  string
	Format string
	// RedactKeys are attribute keys redacted in addition to the built-in
	// credential keys.
	RedactKeys []string
}

type EngineConfig struct {
	RequestBuffer int
}

type DispatchConfig struct {
	ResultBuffer  int
	MaxConcurrent int
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LimitsConfig struct {
	MaxConnsGlobal    int
	MaxConnsPerClient int
}

func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:8000",
		Log:        LogConfig{Level: "info", Format: "json"},
		Engine:     EngineConfig{RequestBuffer: 1},
		Dispatch:   DispatchConfig{ResultBuffer: 10, MaxConcurrent: 64},
		RateLimit:  RateLimitConfig{Enabled: false, RPS: 50, Burst: 100},
		Limits:     LimitsConfig{MaxConnsGlobal: 256, MaxConnsPerClient: 8},
	}
}

// fileConfig mirrors Config with optional fields so that a file only
// overrides what it sets.
type fileConfig struct {
	ListenAddr *string `yaml:"listenAddr" toml:"listen_addr"`
	Log        struct {
		Level      *string  `yaml:"level" toml:"level"`
		Format     *string  `yaml:"format" toml:"format"`
		RedactKeys []string `yaml:"redactKeys" toml:"redact_keys"`
	} `yaml:"log" toml:"log"`
	Engine struct {
		RequestBuffer *int `yaml:"requestBuffer" toml:"request_buffer"`
	} `yaml:"engine" toml:"engine"`
	Dispatch struct {
		ResultBuffer  *int `yaml:"resultBuffer" toml:"result_buffer"`
		MaxConcurrent *int `yaml:"maxConcurrent" toml:"max_concurrent"`
	} `yaml:"dispatch" toml:"dispatch"`
	RateLimit struct {
		Enabled *bool    `yaml:"enabled" toml:"enabled"`
		RPS     *float64 `yaml:"rps" toml:"rps"`
		Burst   *int     `yaml:"burst" toml:"burst"`
	} `yaml:"rateLimit" toml:"rate_limit"`
	Limits struct {
		MaxConnsGlobal    *int `yaml:"maxConnsGlobal" toml:"max_conns_global"`
		MaxConnsPerClient *int `yaml:"maxConnsPerClient" toml:"max_conns_per_client"`
	} `yaml:"limits" toml:"limits"`
}

// Load returns defaults merged with the file at path (if any) and the
// environment. The format is chosen by extension: .yaml, .yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		parsed, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		merge(&cfg, parsed)
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var parsed fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return parsed, fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &parsed)
	case ".toml":
		err = toml.Unmarshal(data, &parsed)
	default:
		return parsed, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return parsed, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return parsed, nil
}

func merge(dst *Config, src fileConfig) {
	if src.ListenAddr != nil {
		dst.ListenAddr = *src.ListenAddr
	}
	if src.Log.Level != nil {
		dst.Log.Level = *src.Log.Level
	}
	if src.Log.Format != nil {
		dst.Log.Format = *src.Log.Format
	}
	if src.Log.RedactKeys != nil {
		dst.Log.RedactKeys = src.Log.RedactKeys
	}
	if src.Engine.RequestBuffer != nil {
		dst.Engine.RequestBuffer = *src.Engine.RequestBuffer
	}
	if src.Dispatch.ResultBuffer != nil {
		dst.Dispatch.ResultBuffer = *src.Dispatch.ResultBuffer
	}
	if src.Dispatch.MaxConcurrent != nil {
		dst.Dispatch.MaxConcurrent = *src.Dispatch.MaxConcurrent
	}
	if src.RateLimit.Enabled != nil {
		dst.RateLimit.Enabled = *src.RateLimit.Enabled
	}
	if src.RateLimit.RPS != nil {
		dst.RateLimit.RPS = *src.RateLimit.RPS
	}
	if src.RateLimit.Burst != nil {
		dst.RateLimit.Burst = *src.RateLimit.Burst
	}
	if src.Limits.MaxConnsGlobal != nil {
		dst.Limits.MaxConnsGlobal = *src.Limits.MaxConnsGlobal
	}
	if src.Limits.MaxConnsPerClient != nil {
		dst.Limits.MaxConnsPerClient = *src.Limits.MaxConnsPerClient
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("JSONRPC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := envString("JSONRPC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envString("JSONRPC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := envList("JSONRPC_LOG_REDACT_KEYS"); v != nil {
		cfg.Log.RedactKeys = v
	}
	cfg.Engine.RequestBuffer = envIntWithFallback("JSONRPC_REQUEST_BUFFER", cfg.Engine.RequestBuffer)
	cfg.Dispatch.ResultBuffer = envIntWithFallback("JSONRPC_RESULT_BUFFER", cfg.Dispatch.ResultBuffer)
	cfg.Dispatch.MaxConcurrent = envIntWithFallback("JSONRPC_MAX_CONCURRENT", cfg.Dispatch.MaxConcurrent)
	cfg.RateLimit.Enabled = envBoolWithFallback("JSONRPC_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RPS = envFloatWithFallback("JSONRPC_RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = envIntWithFallback("JSONRPC_RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.Limits.MaxConnsGlobal = envIntWithFallback("JSONRPC_MAX_CONNS_GLOBAL", cfg.Limits.MaxConnsGlobal)
	cfg.Limits.MaxConnsPerClient = envIntWithFallback("JSONRPC_MAX_CONNS_PER_CLIENT", cfg.Limits.MaxConnsPerClient)
}

func (c Config) Validate() error {
	if _, err := ResolveListenAddr(c.ListenAddr); err != nil {
		return err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("config: log level %q: %w", c.Log.Level, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: log format %q: want json or text", c.Log.Format)
	}
	if c.Engine.RequestBuffer < 0 || c.Dispatch.ResultBuffer < 0 || c.Dispatch.MaxConcurrent < 0 {
		return errors.New("config: buffer sizes and concurrency must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("config: rate limit needs positive rps and burst")
	}
	if c.Limits.MaxConnsGlobal < 0 || c.Limits.MaxConnsPerClient < 0 {
		return errors.New("config: connection limits must not be negative")
	}
	return nil
}

// ResolveListenAddr accepts host:port or a TCP multiaddr such as
// /ip4/127.0.0.1/tcp/8000 and returns a host:port for net.Listen.
func ResolveListenAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidListenAddr)
	}
	if strings.HasPrefix(addr, "/") {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidListenAddr, err)
		}
		netAddr, err := manet.ToNetAddr(maddr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidListenAddr, err)
		}
		tcpAddr, ok := netAddr.(*net.TCPAddr)
		if !ok {
			return "", fmt.Errorf("%w: %s is not a tcp address", ErrInvalidListenAddr, addr)
		}
		return tcpAddr.String(), nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidListenAddr, err)
	}
	return addr, nil
}
