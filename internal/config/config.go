package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every variable read by NewConfig
const EnvPrefix = "AUTHSESSION_"

// Config contains sessionctl configuration parameters.
type Config struct {
	LogLevel int     `env:"LOG_LEVEL" envDefault:"0"`
	API      API     `envPrefix:"API_"`
	Session  Session `envPrefix:"SESSION_"`
	Redis    Redis   `envPrefix:"REDIS_"`
	Login    Login   `envPrefix:"LOGIN_"`
}

// API contains backend connection parameters.
type API struct {
	URL     string        `env:"URL" envDefault:"http://localhost:3000/api"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// Session contains credential handling parameters.
type Session struct {
	// Mode is "cookie" (httpOnly cookies in a persisted jar) or "bearer"
	Mode             string        `env:"MODE" envDefault:"cookie"`
	Store            string        `env:"STORE" envDefault:"file"`
	CredentialsFile  string        `env:"CREDENTIALS_FILE"`
	JarFile          string        `env:"JAR_FILE"`
	RefreshThreshold time.Duration `env:"REFRESH_THRESHOLD" envDefault:"30s"`
	RefreshTimeout   time.Duration `env:"REFRESH_TIMEOUT" envDefault:"10s"`
}

// Redis contains parameters of the shared token store.
type Redis struct {
	Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	Prefix   string        `env:"PREFIX" envDefault:"authsession"`
	TTL      time.Duration `env:"TTL" envDefault:"168h"`
}

// Login contains parameters of the login redirect.
type Login struct {
	AppURL        string `env:"APP_URL" envDefault:"http://localhost:5173"`
	Path          string `env:"PATH" envDefault:"/login"`
	RedirectParam string `env:"REDIRECT_PARAM" envDefault:"redirect"`
}

// NewConfig loads configuration from AUTHSESSION_* environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated settings
func (c *Config) Validate() error {
	switch c.Session.Mode {
	case "cookie", "bearer":
	default:
		return fmt.Errorf("invalid session mode %q: want cookie or bearer", c.Session.Mode)
	}
	switch c.Session.Store {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("invalid session store %q: want file, redis or memory", c.Session.Store)
	}
	return nil
}
