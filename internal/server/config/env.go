package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/esse/crm/internal/flagx"
)

const defaultEnvFile = ".env"

// parseEnv loads the dotenv file (the one given with -env, else ./.env if it
// exists) and then applies CRM_* variables. Variables already set in the
// process environment are not overridden by the file.
func parseEnv(config *Config, args []string) error {
	if path := flagx.EnvFile(args); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("error loading env file %s: %w", path, err)
		}
	} else if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading env file %s: %w", defaultEnvFile, err)
	}

	for name, set := range envSetters(config) {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := set(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func envSetters(c *Config) map[string]func(string) error {
	return map[string]func(string) error{
		"CRM_GRPC_ADDR":             setString(&c.EndpointAddrGRPC),
		"CRM_METRICS_ADDR":          setString(&c.MetricsAddr),
		"CRM_DATABASE_DSN":          setString(&c.DatabaseDSN),
		"CRM_LEDGER_BACKEND":        setString(&c.LedgerBackend),
		"CRM_REDIS_ADDR":            setString(&c.RedisAddr),
		"CRM_REDIS_PASSWORD":        setString(&c.RedisPassword),
		"CRM_REDIS_DB":              setInt(&c.RedisDB),
		"CRM_SECRET_KEY":            setString(&c.SecretKey),
		"CRM_ACCESS_TOKEN_TTL":      setDuration(&c.AccessTokenValidityDuration),
		"CRM_REFRESH_TOKEN_TTL":     setDuration(&c.RefreshTokenValidityDuration),
		"CRM_RETENTION_PERIOD":      setDuration(&c.RetentionPeriod),
		"CRM_PURGE_INTERVAL":        setDuration(&c.PurgeInterval),
		"CRM_ARGON2_TIME":           setUint32(&c.Argon2Time),
		"CRM_ARGON2_MEMORY_KB":      setUint32(&c.Argon2MemoryKB),
		"CRM_ARGON2_THREADS":        setUint8(&c.Argon2Threads),
		"CRM_LOG_LEVEL":             setString(&c.LogLevel),
		"CRM_RATE_LIMIT_PER_SECOND": setFloat(&c.RateLimitPerSecond),
		"CRM_RATE_LIMIT_BURST":      setInt(&c.RateLimitBurst),
	}
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setUint32(dst *uint32) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		*dst = uint32(n)
		return nil
	}
}

func setUint8(dst *uint8) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return err
		}
		*dst = uint8(n)
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
