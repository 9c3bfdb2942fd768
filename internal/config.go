package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sowilo/internal/assistant"
	"github.com/starford/sowilo/internal/vault"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// State drivers.
const (
	StateDriverFile   = "file"
	StateDriverSQLite = "sqlite"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Vault     VaultConfig       `yaml:"vault"`
	State     StateConfig       `yaml:"state"`
	Auth      AuthConfig        `yaml:"auth"`
	Cache     CacheConfig       `yaml:"cache"`
	Transport TransportConfig   `yaml:"transport"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
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

// VaultConfig holds the path to the Markdown vault directory.
type VaultConfig struct {
	Path string `yaml:"path"`
	// ResearchFolder receives notes created by research_create_note.
	ResearchFolder string `yaml:"research_folder"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.ResearchFolder, validation.Required),
	)
}

// StateConfig selects where settings and chat history are persisted.
type StateConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Validate validates the state configuration.
func (c *StateConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(StateDriverFile, StateDriverSQLite)),
		validation.Field(&c.Path, validation.Required),
	)
}

// CacheConfig bounds the vault metadata cache.
type CacheConfig struct {
	Cap      int           `yaml:"cap"`
	Debounce time.Duration `yaml:"debounce"`
	// StaleThrottle spaces vault.stale events sent to clients.
	StaleThrottle time.Duration `yaml:"stale_throttle"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Cap, validation.Required, validation.Min(1)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.StaleThrottle, validation.Min(time.Duration(0))),
	)
}

// TransportConfig holds provider HTTP timeouts.
type TransportConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// Validate validates the transport configuration.
func (c *TransportConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RequestTimeout, validation.Required),
		validation.Field(&c.IdleTimeout, validation.Required),
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
			Path:           "./vault",
			ResearchFolder: assistant.DefaultResearchFolder,
		},
		State: StateConfig{
			Driver: StateDriverFile,
			Path:   "./sowilo-state.json",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Cache: CacheConfig{
			Cap:           vault.DefaultCap,
			Debounce:      vault.DefaultDebounce,
			StaleThrottle: 2 * time.Second,
		},
		Transport: TransportConfig{
			RequestTimeout: 60 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
	}
}
