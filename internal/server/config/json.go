package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/esse/crm/internal/flagx"
	"github.com/esse/crm/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations accept "15m" as well
// as integer nanoseconds.
type JsonConfig struct {
	EndpointAddrGRPC             string         `json:"endpoint_addr_grpc"`
	MetricsAddr                  string         `json:"metrics_addr"`
	DatabaseDSN                  string         `json:"database_dsn"`
	LedgerBackend                string         `json:"ledger_backend"`
	RedisAddr                    string         `json:"redis_addr"`
	RedisPassword                string         `json:"redis_password"`
	RedisDB                      int            `json:"redis_db"`
	SecretKey                    string         `json:"secret_key"`
	AccessTokenValidityDuration  timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration timex.Duration `json:"refresh_token_validity_duration"`
	RetentionPeriod              timex.Duration `json:"retention_period"`
	PurgeInterval                timex.Duration `json:"purge_interval"`
	Argon2Time                   uint32         `json:"argon2_time"`
	Argon2MemoryKB               uint32         `json:"argon2_memory_kb"`
	Argon2Threads                uint8          `json:"argon2_threads"`
	LogLevel                     string         `json:"log_level"`
	RateLimitPerSecond           float64        `json:"rate_limit_per_second"`
	RateLimitBurst               int            `json:"rate_limit_burst"`
}

// parseJson overlays the file named by -c/-config onto config. Keys missing
// from the file keep their current value.
func parseJson(config *Config, args []string) error {
	path := flagx.ConfigFile(args)
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	c := toJson(config)
	if err := json.Unmarshal(b, c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	fromJson(config, c)
	return nil
}

func toJson(c *Config) *JsonConfig {
	return &JsonConfig{
		EndpointAddrGRPC:             c.EndpointAddrGRPC,
		MetricsAddr:                  c.MetricsAddr,
		DatabaseDSN:                  c.DatabaseDSN,
		LedgerBackend:                c.LedgerBackend,
		RedisAddr:                    c.RedisAddr,
		RedisPassword:                c.RedisPassword,
		RedisDB:                      c.RedisDB,
		SecretKey:                    c.SecretKey,
		AccessTokenValidityDuration:  timex.Duration{Duration: c.AccessTokenValidityDuration},
		RefreshTokenValidityDuration: timex.Duration{Duration: c.RefreshTokenValidityDuration},
		RetentionPeriod:              timex.Duration{Duration: c.RetentionPeriod},
		PurgeInterval:                timex.Duration{Duration: c.PurgeInterval},
		Argon2Time:                   c.Argon2Time,
		Argon2MemoryKB:               c.Argon2MemoryKB,
		Argon2Threads:                c.Argon2Threads,
		LogLevel:                     c.LogLevel,
		RateLimitPerSecond:           c.RateLimitPerSecond,
		RateLimitBurst:               c.RateLimitBurst,
	}
}

func fromJson(config *Config, c *JsonConfig) {
	config.EndpointAddrGRPC = c.EndpointAddrGRPC
	config.MetricsAddr = c.MetricsAddr
	config.DatabaseDSN = c.DatabaseDSN
	config.LedgerBackend = c.LedgerBackend
	config.RedisAddr = c.RedisAddr
	config.RedisPassword = c.RedisPassword
	config.RedisDB = c.RedisDB
	config.SecretKey = c.SecretKey
	config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	config.RefreshTokenValidityDuration = c.RefreshTokenValidityDuration.Duration
	config.RetentionPeriod = c.RetentionPeriod.Duration
	config.PurgeInterval = c.PurgeInterval.Duration
	config.Argon2Time = c.Argon2Time
	config.Argon2MemoryKB = c.Argon2MemoryKB
	config.Argon2Threads = c.Argon2Threads
	config.LogLevel = c.LogLevel
	config.RateLimitPerSecond = c.RateLimitPerSecond
	config.RateLimitBurst = c.RateLimitBurst
}
