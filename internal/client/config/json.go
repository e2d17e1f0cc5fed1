package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/esse/crm/internal/flagx"
	"github.com/esse/crm/internal/timex"
)

type JsonConfig struct {
	ServerEndpointAddr string         `json:"server_endpoint_addr"`
	SessionDB          string         `json:"session_db"`
	RequestTimeout     timex.Duration `json:"request_timeout"`
}

// parseJson overlays the file named by -c/-config. Keys missing from the file
// keep their current value.
func parseJson(cfg *Config, args []string) error {
	path := flagx.ConfigFile(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	jc := JsonConfig{
		ServerEndpointAddr: cfg.ServerEndpointAddr,
		SessionDB:          cfg.SessionDB,
		RequestTimeout:     timex.Duration{Duration: cfg.RequestTimeout},
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	cfg.SessionDB = jc.SessionDB
	cfg.RequestTimeout = jc.RequestTimeout.Duration
	return nil
}
