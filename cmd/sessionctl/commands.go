package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/panyam/authsession/client"
	"github.com/panyam/authsession/internal/config"
	"github.com/panyam/authsession/internal/logger"
)

type globalOptions struct {
	APIURL          string `short:"u" long:"api-url" description:"API base URL (default $AUTHSESSION_API_URL)"`
	Mode            string `long:"mode" choice:"cookie" choice:"bearer" description:"How the credential travels (default $AUTHSESSION_SESSION_MODE)"`
	Store           string `long:"store" choice:"file" choice:"redis" choice:"memory" description:"Token store in bearer mode"`
	CredentialsFile string `long:"credentials-file" description:"Token file of the file store"`
	JarFile         string `long:"jar-file" description:"Cookie jar file in cookie mode"`
	Verbose         bool   `short:"v" long:"verbose" description:"Log debug output"`
	Quiet           bool   `short:"q" long:"quiet" description:"Discard log output"`
	JSON            bool   `long:"json" description:"Print results as JSON"`
}

type cli struct {
	opts   globalOptions
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newParser(c *cli) *flags.Parser {
	p := flags.NewNamedParser("sessionctl", flags.HelpFlag|flags.PassDoubleDash)
	p.AddGroup("Global Options", "", &c.opts)

	add := func(parent interface {
		AddCommand(string, string, string, interface{}) (*flags.Command, error)
	}, name, short string, data interface{}) *flags.Command {
		cmd, err := parent.AddCommand(name, short, "", data)
		if err != nil {
			panic(err)
		}
		return cmd
	}

	add(p, "login", "Sign in with email and password", &loginCmd{cli: c})
	add(p, "register", "Create an account and sign in", &registerCmd{cli: c})
	add(p, "logout", "End the session", &logoutCmd{cli: c})
	add(p, "whoami", "Show the signed-in user", &whoamiCmd{cli: c})
	add(p, "status", "Show the local session state", &statusCmd{cli: c})
	add(p, "verify-email", "Confirm an email address", &verifyEmailCmd{cli: c})
	add(p, "forgot-password", "Request a password reset email", &forgotPasswordCmd{cli: c})
	add(p, "reset-password", "Set a new password with a reset token", &resetPasswordCmd{cli: c})
	add(p, "resend-verification", "Send the verification email again", &resendVerificationCmd{cli: c})
	add(p, "demo", "Walk through a refresh against an in-process API", &demoCmd{cli: c})

	profile := add(p, "profile", "Read and edit profiles", &struct{}{})
	add(profile, "show", "Show a public profile", &profileShowCmd{cli: c})
	add(profile, "update", "Edit your profile", &profileUpdateCmd{cli: c})

	password := add(p, "password", "Manage your password", &struct{}{})
	add(password, "change", "Change your password", &passwordChangeCmd{cli: c})

	avatar := add(p, "avatar", "Manage your avatar", &struct{}{})
	add(avatar, "upload", "Upload a new avatar image", &avatarUploadCmd{cli: c})

	sessions := add(p, "sessions", "Manage signed-in devices", &struct{}{})
	add(sessions, "list", "List active sessions", &sessionsListCmd{cli: c})
	add(sessions, "revoke", "Sign out one session", &sessionsRevokeCmd{cli: c})
	add(sessions, "revoke-all", "Sign out every other session", &sessionsRevokeAllCmd{cli: c})
	return p
}

// loadConfig reads the environment and applies the global flags on top
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	if c.opts.APIURL != "" {
		cfg.API.URL = c.opts.APIURL
	}
	if c.opts.Mode != "" {
		cfg.Session.Mode = c.opts.Mode
	}
	if c.opts.Store != "" {
		cfg.Session.Store = c.opts.Store
	}
	if c.opts.CredentialsFile != "" {
		cfg.Session.CredentialsFile = c.opts.CredentialsFile
	}
	if c.opts.JarFile != "" {
		cfg.Session.JarFile = c.opts.JarFile
	}
	if c.opts.Verbose {
		cfg.LogLevel = int(slog.LevelDebug)
	}
	return cfg, cfg.Validate()
}

func (c *cli) newLogger(cfg *config.Config) *logger.Logger {
	if c.opts.Quiet {
		return logger.Noop()
	}
	return logger.NewWithWriter(c.stderr, cfg.LogLevel)
}

// withApp builds the client, runs fn and releases the client's resources
func (c *cli) withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, c.newLogger(cfg), c.stdout, c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return fn(ctx, a)
}

// readSecret returns value, or reads one line from stdin when it is empty
func (c *cli) readSecret(value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(c.stderr, prompt+": ")
	line, err := bufio.NewReader(c.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("no %s given", strings.ToLower(prompt))
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printUser(u *client.User) error {
	if c.opts.JSON {
		return c.printJSON(u)
	}
	if u == nil {
		fmt.Fprintln(c.stdout, "no user")
		return nil
	}
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", u.ID)
	fmt.Fprintf(w, "Email:\t%s\n", u.Email)
	if u.Username != "" {
		fmt.Fprintf(w, "Username:\t%s\n", u.Username)
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		fmt.Fprintf(w, "Name:\t%s\n", name)
	}
	if u.Bio != "" {
		fmt.Fprintf(w, "Bio:\t%s\n", u.Bio)
	}
	if u.AvatarURL != "" {
		fmt.Fprintf(w, "Avatar:\t%s\n", u.AvatarURL)
	}
	fmt.Fprintf(w, "Verified:\t%t\n", u.EmailVerified)
	return w.Flush()
}

type loginCmd struct {
	cli      *cli
	Email    string `short:"e" long:"email" required:"yes" description:"Account email"`
	Password string `short:"p" long:"password" env:"AUTHSESSION_PASSWORD" description:"Account password (read from stdin when omitted)"`
}

func (cmd *loginCmd) Execute(args []string) error {
	password, err := cmd.cli.readSecret(cmd.Password, "Password")
	if err != nil {
		return err
	}
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		u, err := a.client.Login(ctx, client.LoginRequest{Email: cmd.Email, Password: password})
		if err != nil {
			return err
		}
		email := cmd.Email
		if u != nil && u.Email != "" {
			email = u.Email
		}
		fmt.Fprintf(cmd.cli.stdout, "signed in as %s\n", email)
		return nil
	})
}

type registerCmd struct {
	cli       *cli
	Email     string `short:"e" long:"email" required:"yes" description:"Account email"`
	Password  string `short:"p" long:"password" env:"AUTHSESSION_PASSWORD" description:"Account password (read from stdin when omitted)"`
	Username  string `long:"username" description:"Public username"`
	FirstName string `long:"first-name" description:"First name"`
	LastName  string `long:"last-name" description:"Last name"`
}

func (cmd *registerCmd) Execute(args []string) error {
	password, err := cmd.cli.readSecret(cmd.Password, "Password")
	if err != nil {
		return err
	}
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		u, err := a.client.Register(ctx, client.RegisterRequest{
			Email:     cmd.Email,
			Password:  password,
			Username:  cmd.Username,
			FirstName: cmd.FirstName,
			LastName:  cmd.LastName,
		})
		if err != nil {
			return err
		}
		if u != nil {
			fmt.Fprintf(cmd.cli.stdout, "registered %s\n", u.Email)
		} else {
			fmt.Fprintf(cmd.cli.stdout, "registered %s\n", cmd.Email)
		}
		return nil
	})
}

type logoutCmd struct{ cli *cli }

func (cmd *logoutCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.cli.stdout, "signed out")
		return nil
	})
}

type whoamiCmd struct{ cli *cli }

func (cmd *whoamiCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		u, err := a.client.CurrentUser(ctx)
		if err != nil {
			return err
		}
		return cmd.cli.printUser(u)
	})
}

type statusCmd struct{ cli *cli }

type statusReport struct {
	API           string     `json:"api"`
	Mode          string     `json:"mode"`
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Execute reports the stored session without calling the API
func (cmd *statusCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		report := statusReport{
			API:           a.client.BaseURL(),
			Mode:          a.cfg.Session.Mode,
			Authenticated: a.client.IsLoggedIn(ctx),
		}
		if pair := a.client.Store().Load(ctx); pair != nil && !pair.ExpiresAt.IsZero() {
			exp := pair.ExpiresAt
			report.ExpiresAt = &exp
		}
		if cmd.cli.opts.JSON {
			return cmd.cli.printJSON(report)
		}
		fmt.Fprintf(cmd.cli.stdout, "api: %s (%s mode)\n", report.API, report.Mode)
		switch {
		case !report.Authenticated:
			fmt.Fprintln(cmd.cli.stdout, "signed out")
		case report.ExpiresAt == nil:
			fmt.Fprintln(cmd.cli.stdout, "signed in")
		case time.Until(*report.ExpiresAt) <= 0:
			fmt.Fprintln(cmd.cli.stdout, "signed in (access token expired, will refresh on next request)")
		default:
			fmt.Fprintf(cmd.cli.stdout, "signed in (access token expires in %s)\n", time.Until(*report.ExpiresAt).Round(time.Second))
		}
		return nil
	})
}

type verifyEmailCmd struct {
	cli  *cli
	Args struct {
		Token string `positional-arg-name:"token"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *verifyEmailCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.VerifyEmail(ctx, cmd.Args.Token); err != nil {
			return err
		}
		fmt.Fprintln(cmd.cli.stdout, "email verified")
		return nil
	})
}

type forgotPasswordCmd struct {
	cli  *cli
	Args struct {
		Email string `positional-arg-name:"email"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *forgotPasswordCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.ForgotPassword(ctx, cmd.Args.Email); err != nil {
			return err
		}
		fmt.Fprintln(cmd.cli.stdout, "if the account exists, a reset email is on its way")
		return nil
	})
}

type resetPasswordCmd struct {
	cli      *cli
	Password string `short:"p" long:"password" env:"AUTHSESSION_NEW_PASSWORD" description:"New password (read from stdin when omitted)"`
	Args     struct {
		Token string `positional-arg-name:"token"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *resetPasswordCmd) Execute(args []string) error {
	password, err := cmd.cli.readSecret(cmd.Password, "New password")
	if err != nil {
		return err
	}
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.ResetPassword(ctx, client.ResetPasswordRequest{Token: cmd.Args.Token, NewPassword: password}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.cli.stdout, "password reset, sign in with the new password")
		return nil
	})
}

type resendVerificationCmd struct {
	cli  *cli
	Args struct {
		Email string `positional-arg-name:"email"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *resendVerificationCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.ResendVerification(ctx, cmd.Args.Email); err != nil {
			return err
		}
		fmt.Fprintln(cmd.cli.stdout, "verification email sent")
		return nil
	})
}

type profileShowCmd struct {
	cli  *cli
	Args struct {
		Identifier string `positional-arg-name:"id-or-username"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *profileShowCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		u, err := a.client.Profile(ctx, cmd.Args.Identifier)
		if err != nil {
			return err
		}
		return cmd.cli.printUser(u)
	})
}

type profileUpdateCmd struct {
	cli       *cli
	Username  string `long:"username" description:"New username"`
	FirstName string `long:"first-name" description:"New first name"`
	LastName  string `long:"last-name" description:"New last name"`
	Bio       string `long:"bio" description:"New bio"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (cmd *profileUpdateCmd) Execute(args []string) error {
	req := client.UpdateProfileRequest{
		Username:  optional(cmd.Username),
		FirstName: optional(cmd.FirstName),
		LastName:  optional(cmd.LastName),
		Bio:       optional(cmd.Bio),
	}
	if req == (client.UpdateProfileRequest{}) {
		return fmt.Errorf("nothing to update")
	}
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		u, err := a.client.UpdateProfile(ctx, req)
		if err != nil {
			return err
		}
		return cmd.cli.printUser(u)
	})
}

type passwordChangeCmd struct {
	cli     *cli
	Current string `long:"current" env:"AUTHSESSION_PASSWORD" description:"Current password (read from stdin when omitted)"`
	New     string `long:"new" env:"AUTHSESSION_NEW_PASSWORD" description:"New password (read from stdin when omitted)"`
}

func (cmd *passwordChangeCmd) Execute(args []string) error {
	current, err := cmd.cli.readSecret(cmd.Current, "Current password")
	if err != nil {
		return err
	}
	next, err := cmd.cli.readSecret(cmd.New, "New password")
	if err != nil {
		return err
	}
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.ChangePassword(ctx, client.ChangePasswordRequest{CurrentPassword: current, NewPassword: next}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.cli.stdout, "password changed")
		return nil
	})
}

type avatarUploadCmd struct {
	cli  *cli
	Args struct {
		File string `positional-arg-name:"file"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *avatarUploadCmd) Execute(args []string) error {
	f, err := os.Open(cmd.Args.File)
	if err != nil {
		return err
	}
	defer f.Close()
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		u, err := a.client.UploadAvatar(ctx, filepath.Base(f.Name()), f)
		if err != nil {
			return err
		}
		if u != nil && u.AvatarURL != "" {
			fmt.Fprintf(cmd.cli.stdout, "avatar uploaded: %s\n", u.AvatarURL)
		} else {
			fmt.Fprintln(cmd.cli.stdout, "avatar uploaded")
		}
		return nil
	})
}

type sessionsListCmd struct{ cli *cli }

func (cmd *sessionsListCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		sessions, err := a.client.ListSessions(ctx)
		if err != nil {
			return err
		}
		if cmd.cli.opts.JSON {
			return cmd.cli.printJSON(sessions)
		}
		w := tabwriter.NewWriter(cmd.cli.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEVICE\tIP\tLAST USED\t")
		for _, s := range sessions {
			id := s.ID
			if s.Current {
				id += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", id, s.UserAgent, s.IPAddress, s.LastUsedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	})
}

type sessionsRevokeCmd struct {
	cli  *cli
	Args struct {
		ID string `positional-arg-name:"session-id"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *sessionsRevokeCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.RevokeSession(ctx, cmd.Args.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.cli.stdout, "revoked %s\n", cmd.Args.ID)
		return nil
	})
}

type sessionsRevokeAllCmd struct{ cli *cli }

func (cmd *sessionsRevokeAllCmd) Execute(args []string) error {
	return cmd.cli.withApp(func(ctx context.Context, a *app) error {
		if err := a.client.RevokeAllSessions(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.cli.stdout, "signed out every other session")
		return nil
	})
}
