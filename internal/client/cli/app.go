package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/esse/crm/internal/client/client"
	"github.com/esse/crm/internal/client/config"
	"github.com/esse/crm/internal/client/services"
)

// Session is what the commands need from services.SessionService.
type Session interface {
	Register(ctx context.Context, userName string, password []byte) (client.Tokens, error)
	Login(ctx context.Context, userName string, password []byte) (client.Tokens, error)
	Refresh(ctx context.Context) (client.Tokens, error)
	Logout(ctx context.Context) error
	LogoutAll(ctx context.Context) error
	Status(ctx context.Context) (client.Tokens, error)
	Ping(ctx context.Context) error
	Close() error
}

type App struct {
	config  *config.Config
	session Session
	db      *sql.DB
	reader  *bufio.Reader
	out     io.Writer
	now     func() time.Time
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	db, err := client.InitDatabase(ctx, c.SessionDB)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	apiClient, err := client.NewAuthClient(c.ServerEndpointAddr)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	app := newApp(c, services.NewSessionService(apiClient, db), bufio.NewReader(os.Stdin), os.Stdout)
	app.db = db
	return app, nil
}

func newApp(c *config.Config, s Session, in *bufio.Reader, out io.Writer) *App {
	return &App{config: c, session: s, reader: in, out: out, now: time.Now}
}

// Close releases the connection and the session database.
func (a *App) Close() error {
	err := a.session.Close()
	if a.db != nil {
		err = errors.Join(err, a.db.Close())
	}
	return err
}

// Run executes one command. Each server call gets its own timeout.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "register":
		return a.authenticate(ctx, rest, a.session.Register, "Registered")
	case "login":
		return a.authenticate(ctx, rest, a.session.Login, "Logged in")
	case "refresh":
		return a.refresh(ctx)
	case "logout":
		return a.logout(ctx)
	case "logout-all":
		return a.logoutAll(ctx)
	case "status":
		return a.status(ctx)
	case "ping":
		return a.ping(ctx)
	case "help":
		a.usage()
		return nil
	default:
		fmt.Fprintln(a.out, "Unknown command:", cmd)
		a.usage()
		return errUsage
	}
}

func (a *App) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.config.RequestTimeout)
}

func (a *App) usage() {
	fmt.Fprintln(a.out, "Usage: authctl [flags] <command>")
	fmt.Fprintln(a.out, "Commands: register [username], login [username], refresh, logout, logout-all, status, ping")
}
