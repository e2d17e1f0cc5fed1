// Package config loads runtime configuration for the authctl CLI.
//
// Sources, later ones win:
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file given with -c or -config.
//  3. Command-line flags placed before the command name.
//
// Supported flags
//
//	-a string         address:port of the auth gRPC endpoint
//	-db string        path of the local session database
//	-timeout duration per-request timeout (e.g. "10s")
//
// JSON keys mirror the flags:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "session_db": "authctl.db",
//	  "request_timeout": "10s"
//	}
package config
