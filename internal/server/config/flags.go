package config

import (
	"flag"
	"io"

	"github.com/esse/crm/internal/flagx"
)

// parseFlags applies the command-line flags owned by the server config.
//
//	-a string     gRPC bind address (e.g. ":50051")
//	-m string     metrics bind address, empty disables
//	-d string     PostgreSQL DSN
//	-b string     ledger backend: postgres or memory
//	-redis string Redis address for the family denylist
//	-s string     JWT HMAC secret key
//	-t duration   access token validity (e.g. "15m")
//	-r duration   refresh token validity (e.g. "168h")
//	-retention duration  how long expired rows are kept
//	-l string     log level
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-a", "-m", "-d", "-b", "-redis", "-s", "-t", "-r", "-retention", "-l"})

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "address and port to serve metrics")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.LedgerBackend, "b", config.LedgerBackend, "ledger backend (postgres|memory)")
	fs.StringVar(&config.RedisAddr, "redis", config.RedisAddr, "redis address")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.DurationVar(&config.AccessTokenValidityDuration, "t", config.AccessTokenValidityDuration, "access token validity")
	fs.DurationVar(&config.RefreshTokenValidityDuration, "r", config.RefreshTokenValidityDuration, "refresh token validity")
	fs.DurationVar(&config.RetentionPeriod, "retention", config.RetentionPeriod, "retention of expired refresh tokens")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	return fs.Parse(args)
}
