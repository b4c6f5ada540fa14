package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/kolnoter/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Vault   VaultConfig       `yaml:"vault"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Watcher WatcherConfig     `yaml:"watcher"`
	Search  SearchConfig      `yaml:"search"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Watcher.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig selects the storage backend. Path is required for the
// filesystem backend and ignored by the embedded one.
type VaultConfig struct {
	Path    string `yaml:"path"`
	Backend string `yaml:"backend"`
	// Create initialises Path as a new vault when it holds none.
	Create bool `yaml:"create"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = string(storage.BackendFilesystem)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.In(string(storage.BackendFilesystem), string(storage.BackendEmbedded))),
		validation.Field(&c.Path, validation.When(c.Backend == string(storage.BackendFilesystem), validation.Required)),
	)
}

// SQLiteConfig overrides where the relational index lives. Empty keeps it
// inside the vault's bookkeeping directory.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// WatcherConfig tunes the vault file watcher.
type WatcherConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	Disabled bool          `yaml:"disabled"`
}

// Validate validates the watcher configuration.
func (c *WatcherConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(time.Duration(0)), validation.Max(time.Minute)),
	)
}

// SearchConfig tunes the search index and its SSE notifications.
type SearchConfig struct {
	// Fuzzy is the maximum edit distance for term matching; 0 disables it.
	Fuzzy int `yaml:"fuzzy"`
	Limit int `yaml:"limit"`
	// EventThrottle is the minimum gap between two search.updated events.
	EventThrottle time.Duration `yaml:"event_throttle"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Fuzzy, validation.Min(0), validation.Max(3)),
		validation.Field(&c.Limit, validation.Min(0), validation.Max(1000)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path:    "./vault",
			Backend: string(storage.BackendFilesystem),
			Create:  true,
		},
		Watcher: WatcherConfig{
			Debounce: 300 * time.Millisecond,
		},
		Search: SearchConfig{
			Fuzzy:         1,
			Limit:         20,
			EventThrottle: 2 * time.Second,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
