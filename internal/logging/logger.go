// Package logging is the structured logger every component receives. The
// only implementation wraps log/slog; see slog.go.
package logging

import "context"

// Logger takes a message plus alternating key/value pairs:
//
//	log.Warn(ctx, "refresh token reuse detected", "family", family, "token_id", id)
//
// Components scope their logger once with With("module", name).
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}
