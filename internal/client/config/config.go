package config

import (
	"errors"
	"time"
)

type Config struct {
	ServerEndpointAddr string
	SessionDB          string
	RequestTimeout     time.Duration
}

func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.SessionDB = "authctl.db"
	c.RequestTimeout = 10 * time.Second
}

func (c *Config) Validate() error {
	if c.ServerEndpointAddr == "" {
		return errors.New("server endpoint address is empty")
	}
	if c.SessionDB == "" {
		return errors.New("session database path is empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return nil
}

// Load builds a Config from defaults, the JSON file and flags in args. It
// returns the arguments left after the flags: the command and its operands.
func Load(args []string) (*Config, []string, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseJson(cfg, args); err != nil {
		return nil, nil, err
	}
	rest, err := parseFlags(cfg, args)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, rest, nil
}
