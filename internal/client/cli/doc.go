// Package cli implements authctl, a command-line client for the CRM auth
// service.
//
// Each invocation runs one command against the saved session:
//
//	authctl [flags] register [username]
//	authctl [flags] login [username]
//	authctl [flags] refresh
//	authctl [flags] logout
//	authctl [flags] logout-all
//	authctl [flags] status
//	authctl [flags] ping
//
// Passwords are read from the terminal without echo.
package cli
