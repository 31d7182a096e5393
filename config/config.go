package config

// Application configuration: YAML file with environment variable overrides.

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default port for the local OAuth callback listener. Must match the
// redirect URI registered on the Azure AD app.
const DefaultCallbackPort = 28491

// Config holds the full application configuration.
type Config struct {
	App     AppConfig     `yaml:"app"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	API     APIConfig     `yaml:"api"`
	Token   TokenConfig   `yaml:"token"`
	Logging LoggingConfig `yaml:"logging"`
}

// AppConfig identifies the application.
type AppConfig struct {
	Name             string `yaml:"name"`
	BundleIdentifier string `yaml:"bundleIdentifier"`
}

// OAuthConfig configures the Azure AD OAuth2 client.
type OAuthConfig struct {
	ClientID    string   `yaml:"clientId"`
	Tenant      string   `yaml:"tenant"`
	RedirectURI string   `yaml:"redirectUri"`
	Scopes      []string `yaml:"scopes"`
	// Authority overrides the login.microsoftonline.com host, for
	// sovereign clouds and tests.
	Authority string `yaml:"authority,omitempty"`
}

// APIConfig configures external API endpoints.
type APIConfig struct {
	GraphBaseURL string `yaml:"graphBaseUrl"`
}

// TokenConfig configures the token refresh scheduler.
type TokenConfig struct {
	RefreshBeforeExpirySeconds int `yaml:"refreshBeforeExpirySeconds"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// defaults returns the built-in configuration, equivalent to the shipped
// config file. Client id and tenant must come from the file or environment.
func defaults() Config {
	return Config{
		App: AppConfig{
			Name:             "Azure PIM",
			BundleIdentifier: "de.malvik.azurepim.desktop",
		},
		OAuth: OAuthConfig{
			RedirectURI: fmt.Sprintf("http://localhost:%d/callback", DefaultCallbackPort),
			Scopes:      []string{"openid", "profile", "offline_access", "User.Read", "Directory.Read.All"},
		},
		API: APIConfig{
			GraphBaseURL: "https://graph.microsoft.com/v1.0",
		},
		Token: TokenConfig{
			RefreshBeforeExpirySeconds: 300,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load reads configuration from the given YAML file (optional; pass "" to use
// AZUREPIM_CONFIG or skip the file entirely) and applies environment variable
// overrides. Returns an error if required fields are missing afterwards.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("AZUREPIM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AZURE_CLIENT_ID")); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("AZURE_TENANT_ID")); v != "" {
		cfg.OAuth.Tenant = v
	}
	if v := strings.TrimSpace(os.Getenv("AZURE_REDIRECT_URI")); v != "" {
		cfg.OAuth.RedirectURI = v
	}
	if v := strings.TrimSpace(os.Getenv("AZUREPIM_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.OAuth.ClientID == "" || c.OAuth.ClientID == "YOUR_AZURE_AD_CLIENT_ID" {
		return fmt.Errorf("azure AD client id not configured: set AZURE_CLIENT_ID or add oauth.clientId to the config file")
	}
	if c.OAuth.Tenant == "" || c.OAuth.Tenant == "YOUR_TENANT_ID" {
		return fmt.Errorf("azure AD tenant not configured: set AZURE_TENANT_ID or add oauth.tenant to the config file")
	}
	if c.Token.RefreshBeforeExpirySeconds <= 0 {
		return fmt.Errorf("token.refreshBeforeExpirySeconds must be positive, got %d", c.Token.RefreshBeforeExpirySeconds)
	}
	return nil
}

func (o OAuthConfig) authorityHost() string {
	if o.Authority != "" {
		return o.Authority
	}
	return "https://login.microsoftonline.com"
}

// AuthorizeURL returns the Azure AD v2.0 authorize endpoint for the
// configured tenant and authority.
func (o OAuthConfig) AuthorizeURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", o.authorityHost(), o.Tenant)
}

// TokenURL returns the Azure AD v2.0 token endpoint for the configured
// tenant and authority.
func (o OAuthConfig) TokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", o.authorityHost(), o.Tenant)
}
