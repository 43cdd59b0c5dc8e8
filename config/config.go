// Package config loads dashctl settings. Values come from, in order of
// priority: command-line flags, the process environment, a .env file in the
// working directory, an optional YAML file, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// ErrMissingClientID is returned when no OAuth client id was configured.
var ErrMissingClientID = errors.New("CLIENT_ID not set")

// Config is the resolved configuration.
type Config struct {
	ServerURL string `yaml:"server_url" env:"SERVER_URL" env-default:"http://localhost:8080"`
	ClientID  string `yaml:"client_id"  env:"CLIENT_ID"`
	TokenFile string `yaml:"token_file" env:"TOKEN_FILE" env-default:".dashctl-session.json"`

	GraphQL GraphQLConfig `yaml:"graphql"`
	Log     LogConfig     `yaml:"log"`

	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"REFRESH_TIMEOUT" env-default:"30s"`

	// Warnings collects non-fatal findings for the caller to show.
	Warnings []string `yaml:"-"`
}

// GraphQLConfig describes the dashboard backend.
type GraphQLConfig struct {
	URL         string `yaml:"url"          env:"GRAPHQL_URL"`
	WSURL       string `yaml:"ws_url"       env:"GRAPHQL_WS_URL"`
	RESTURL     string `yaml:"rest_url"     env:"REST_URL"`
	Role        string `yaml:"role"         env:"HASURA_ROLE"`
	AdminSecret string `yaml:"admin_secret" env:"HASURA_ADMIN_SECRET"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"warn"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// Flags carries command-line overrides. Empty fields are ignored.
type Flags struct {
	ConfigPath string
	ServerURL  string
	ClientID   string
	TokenFile  string
	GraphQLURL string
	LogLevel   string
}

// Load resolves the configuration. The .env file never overrides variables
// already present in the environment.
func Load(flags Flags) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	var cfg Config
	path := flags.ConfigPath
	if path == "" {
		path = os.Getenv("DASHCTL_CONFIG")
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		// ReadConfig also overlays the environment.
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.applyFlags(flags)
	cfg.deriveURLs()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFlags(f Flags) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.ServerURL, f.ServerURL)
	override(&c.ClientID, f.ClientID)
	override(&c.TokenFile, f.TokenFile)
	override(&c.GraphQL.URL, f.GraphQLURL)
	override(&c.Log.Level, f.LogLevel)
}

// deriveURLs fills backend URLs from the server URL when unset. The
// websocket URL is left to the GraphQL client, which derives it from the
// GraphQL URL.
func (c *Config) deriveURLs() {
	base := strings.TrimRight(c.ServerURL, "/")
	if c.GraphQL.URL == "" {
		c.GraphQL.URL = base + "/v1/graphql"
	}
	if c.GraphQL.RESTURL == "" {
		c.GraphQL.RESTURL = base + "/api/rest"
	}
}

func (c *Config) validate() error {
	if err := ValidateURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if err := ValidateURL(c.GraphQL.URL); err != nil {
		return fmt.Errorf("invalid GRAPHQL_URL: %w", err)
	}
	if c.GraphQL.WSURL != "" {
		u, err := url.Parse(c.GraphQL.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("invalid GRAPHQL_WS_URL: %q", c.GraphQL.WSURL)
		}
	}
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT must be positive, got %s", c.RefreshTimeout)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	if strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		c.Warnings = append(c.Warnings,
			"Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
	}
	if _, err := uuid.Parse(c.ClientID); err != nil {
		c.Warnings = append(c.Warnings,
			fmt.Sprintf("CLIENT_ID doesn't appear to be a valid UUID: %s", c.ClientID))
	}
	return nil
}

// ValidateURL checks that rawURL is an absolute http(s) URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
