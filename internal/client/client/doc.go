// Package client talks to the CRM auth service.
//
// AuthClient manages one gRPC connection, attaches the access token to every
// call, and when the server answers "token expired" it rotates the refresh
// token once and retries. Status codes are mapped to the sentinel errors in
// errors.go so callers can match them with errors.Is.
//
// InitDatabase opens the local SQLite file that keeps the session between
// runs of the CLI.
package client
