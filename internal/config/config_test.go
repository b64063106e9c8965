package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DefaultValues(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.LogLevel)
	assert.Equal(t, "http://localhost:3000/api", cfg.API.URL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "cookie", cfg.Session.Mode)
	assert.Equal(t, "file", cfg.Session.Store)
	assert.Empty(t, cfg.Session.CredentialsFile)
	assert.Equal(t, 30*time.Second, cfg.Session.RefreshThreshold)
	assert.Equal(t, 10*time.Second, cfg.Session.RefreshTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "authsession", cfg.Redis.Prefix)
	assert.Equal(t, 168*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, "/login", cfg.Login.Path)
	assert.Equal(t, "redirect", cfg.Login.RedirectParam)
}

func TestNewConfig_EnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected func(*Config)
	}{
		{
			name:    "log level override",
			envVars: map[string]string{"AUTHSESSION_LOG_LEVEL": "-4"},
			expected: func(cfg *Config) {
				assert.Equal(t, -4, cfg.LogLevel)
			},
		},
		{
			name: "api override",
			envVars: map[string]string{
				"AUTHSESSION_API_URL":     "https://api.example.com",
				"AUTHSESSION_API_TIMEOUT": "5s",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "https://api.example.com", cfg.API.URL)
				assert.Equal(t, 5*time.Second, cfg.API.Timeout)
			},
		},
		{
			name: "session override",
			envVars: map[string]string{
				"AUTHSESSION_SESSION_MODE":              "bearer",
				"AUTHSESSION_SESSION_STORE":             "redis",
				"AUTHSESSION_SESSION_CREDENTIALS_FILE":  "/tmp/creds.json",
				"AUTHSESSION_SESSION_REFRESH_THRESHOLD": "0s",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "bearer", cfg.Session.Mode)
				assert.Equal(t, "redis", cfg.Session.Store)
				assert.Equal(t, "/tmp/creds.json", cfg.Session.CredentialsFile)
				assert.Equal(t, time.Duration(0), cfg.Session.RefreshThreshold)
			},
		},
		{
			name: "login override",
			envVars: map[string]string{
				"AUTHSESSION_LOGIN_APP_URL":        "https://app.example.com",
				"AUTHSESSION_LOGIN_PATH":           "/signin",
				"AUTHSESSION_LOGIN_REDIRECT_PARAM": "next",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "https://app.example.com", cfg.Login.AppURL)
				assert.Equal(t, "/signin", cfg.Login.Path)
				assert.Equal(t, "next", cfg.Login.RedirectParam)
			},
		},
		{
			name:    "unprefixed variables are ignored",
			envVars: map[string]string{"API_URL": "https://ignored.example.com"},
			expected: func(cfg *Config) {
				assert.Equal(t, "http://localhost:3000/api", cfg.API.URL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := NewConfig()
			require.NoError(t, err)

			tt.expected(cfg)
		})
	}
}

func TestNewConfig_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"AUTHSESSION_SESSION_MODE":  "token",
		"AUTHSESSION_SESSION_STORE": "s3",
		"AUTHSESSION_API_TIMEOUT":   "soon",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}
