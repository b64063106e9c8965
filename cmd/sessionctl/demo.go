package main

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"

	"golang.org/x/sync/errgroup"

	"github.com/panyam/authsession/client"
	"github.com/panyam/authsession/internal/apitest"
)

const (
	demoEmail    = "demo@example.com"
	demoPassword = "password123"
)

type demoCmd struct {
	cli      *cli
	Requests int `short:"n" long:"requests" default:"5" description:"Concurrent requests sent after the access token expires"`
}

// Execute signs in to an in-process API, expires the access token under a
// burst of requests and then makes the refresh fail.
func (cmd *demoCmd) Execute(args []string) error {
	c := cmd.cli
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := c.newLogger(cfg)
	out := c.stdout

	cookies := c.opts.Mode == "cookie"
	api := apitest.New(apitest.Options{Cookies: cookies, PathPrefix: "/api"})
	if api.AddUser(demoEmail, demoPassword) == "" {
		return errors.New("failed to seed demo user")
	}
	srv := httptest.NewServer(api)
	defer srv.Close()
	apiURL := srv.URL + "/api"

	opts := []client.ClientOption{
		client.WithLoginNavigator(loginNavigator(out, cfg.Login.AppURL)),
		client.WithLogger(log.Logger),
	}
	var store client.TokenStore
	if cookies {
		jar, err := client.NewSessionJar(apiURL, client.WithJarLogger(log.Logger))
		if err != nil {
			return err
		}
		opts = append(opts, client.WithCookieJar(jar))
	} else {
		store = client.NewMemoryStore()
	}
	ac, err := client.NewAuthClient(apiURL, store, opts...)
	if err != nil {
		return err
	}

	ctx := context.Background()
	mode := "bearer"
	if cookies {
		mode = "cookie"
	}
	fmt.Fprintf(out, "api %s (%s mode)\n", apiURL, mode)

	u, err := ac.Login(ctx, client.LoginRequest{Email: demoEmail, Password: demoPassword})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "1. signed in as %s\n", u.Email)

	api.ExpireAccessTokens()
	n := max(cmd.Requests, 1)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := ac.CurrentUser(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(out, "2. access token expired: %d requests succeeded after %d refresh call(s)\n", n, api.RefreshCalls())

	api.ExpireAccessTokens()
	api.FailRefresh(true)
	ctx = client.ContextWithReturnPath(ctx, "/sessions")
	if _, err := ac.ListSessions(ctx); err != nil {
		fmt.Fprintf(out, "3. refresh rejected: %v\n", err)
	}
	fmt.Fprintf(out, "   signed in: %t\n", ac.IsLoggedIn(ctx))
	return nil
}
