package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/panyam/authsession/client"
	"github.com/panyam/authsession/client/stores/fs"
	"github.com/panyam/authsession/client/stores/redis"
	"github.com/panyam/authsession/internal/config"
	"github.com/panyam/authsession/internal/logger"
)

const appName = "authsession"

// app is one configured client, built lazily by the first command that needs it
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	client *client.AuthClient
	stdout io.Writer
	stderr io.Writer
	closer func() error
}

// loginNavigator prints where to sign in again. A terminal has no page to
// redirect, so the user is told instead.
func loginNavigator(w io.Writer, appURL string) client.Navigator {
	return client.NavigatorFunc(func(ctx context.Context, target string) {
		fmt.Fprintf(w, "session expired, run \"sessionctl login\" (or sign in at %s%s)\n", appURL, target)
	})
}

func newApp(cfg *config.Config, log *logger.Logger, stdout, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg, log: log, stdout: stdout, stderr: stderr, closer: func() error { return nil }}

	opts := []client.ClientOption{
		client.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		client.WithRefreshThreshold(cfg.Session.RefreshThreshold),
		client.WithRefreshTimeout(cfg.Session.RefreshTimeout),
		client.WithLoginRoute(cfg.Login.Path, cfg.Login.RedirectParam),
		client.WithLoginNavigator(loginNavigator(stderr, cfg.Login.AppURL)),
		client.WithLogger(log.Logger),
	}

	var store client.TokenStore
	if cfg.Session.Mode == "cookie" {
		jar, err := a.newJar()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithCookieJar(jar))
	} else {
		s, err := a.newStore()
		if err != nil {
			return nil, err
		}
		store = s
	}

	c, err := client.NewAuthClient(cfg.API.URL, store, opts...)
	if err != nil {
		a.closer()
		return nil, err
	}
	a.client = c
	return a, nil
}

func (a *app) Close() error {
	return a.closer()
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName)
}

func (a *app) newJar() (*client.SessionJar, error) {
	path := a.cfg.Session.JarFile
	if path == "" {
		path = filepath.Join(configDir(), "cookies.json")
	}
	return client.NewSessionJar(a.cfg.API.URL, client.WithJarFile(path), client.WithJarLogger(a.log.Logger))
}

func (a *app) newStore() (client.TokenStore, error) {
	switch a.cfg.Session.Store {
	case "memory":
		return client.NewMemoryStore(), nil
	case "redis":
		u, err := url.Parse(a.cfg.API.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid API URL: %w", err)
		}
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closer = rdb.Close
		return redis.NewStore(rdb, a.cfg.Redis.Prefix,
			redis.WithName(u.Host),
			redis.WithTTL(a.cfg.Redis.TTL),
			redis.WithLogger(a.log.Logger)), nil
	default:
		creds, err := fs.NewFSCredentialStore(a.cfg.Session.CredentialsFile, appName)
		if err != nil {
			return nil, err
		}
		server, err := creds.For(a.cfg.API.URL)
		if err != nil {
			return nil, err
		}
		return server, nil
	}
}
