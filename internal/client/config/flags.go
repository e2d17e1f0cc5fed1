package config

import (
	"flag"
	"io"
)

// parseFlags stops at the first non-flag argument, which is the command.
// -c/-config are accepted here only so they do not end flag parsing; the
// file itself is read by parseJson.
func parseFlags(cfg *Config, args []string) ([]string, error) {
	fs := flag.NewFlagSet("authctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var configFile string
	fs.StringVar(&configFile, "c", "", "config file")
	fs.StringVar(&configFile, "config", "", "config file")

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.SessionDB, "db", cfg.SessionDB, "local session database")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}
