package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/esse/crm/internal/client/client"
	"github.com/esse/crm/internal/common"
)

var errUsage = errors.New("usage error")

type authFunc func(ctx context.Context, userName string, password []byte) (client.Tokens, error)

func (a *App) authenticate(ctx context.Context, args []string, call authFunc, done string) error {
	var (
		userName string
		err      error
	)
	if len(args) > 0 {
		userName = args[0]
	} else {
		userName, err = GetSimpleText(a.reader, "Username", a.out)
		if err != nil {
			return err
		}
	}

	password, err := GetPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	t, err := call(ctx, userName, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s as %s\n", done, t.UserName)
	a.printExpiry(t)
	return nil
}

func (a *App) refresh(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	t, err := a.session.Refresh(ctx)
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			fmt.Fprintln(a.out, "Session is no longer valid, please log in again")
		}
		return err
	}
	fmt.Fprintln(a.out, "Session refreshed")
	a.printExpiry(t)
	return nil
}

func (a *App) logout(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func (a *App) logoutAll(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := a.session.LogoutAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out on all devices")
	return nil
}

func (a *App) status(ctx context.Context) error {
	t, err := a.session.Status(ctx)
	if errors.Is(err, client.ErrNoSession) {
		fmt.Fprintln(a.out, "Not logged in")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Logged in as %s (%s)\n", t.UserName, t.UserID)
	a.printExpiry(t)
	return nil
}

func (a *App) ping(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := a.session.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Server is up")
	return nil
}

func (a *App) printExpiry(t client.Tokens) {
	if t.RefreshExpiresAt.IsZero() {
		return
	}
	left := t.RefreshExpiresAt.Sub(a.now()).Round(time.Minute)
	if left <= 0 {
		fmt.Fprintln(a.out, "Session expired")
		return
	}
	fmt.Fprintf(a.out, "Session valid until %s (%s left)\n", t.RefreshExpiresAt.Local().Format(time.RFC1123), left)
}
