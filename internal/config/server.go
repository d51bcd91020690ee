package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. FRAME_PORT or
// FRAME_SESSION_TIMEOUT_SECONDS.
const EnvPrefix = "FRAME"

type ServerConfig struct {
	Host      string `mapstructure:"host" validate:"required"`
	Port      int    `mapstructure:"port" validate:"min=0,max=65535"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	BodyLimit int64  `mapstructure:"body_limit" validate:"min=0"`
	// RolesFile is a YAML file with a "roles" table.
	RolesFile string `mapstructure:"roles_file"`

	CORS       CORSConfig       `mapstructure:"cors"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Session    SessionConfig    `mapstructure:"session"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Router     RouterConfig     `mapstructure:"router"`
	Files      FilesConfig      `mapstructure:"files"`
	HTTPClient HTTPClientConfig `mapstructure:"http_client"`
	Wasm       WasmConfig       `mapstructure:"wasm"`
	App        AppConfig        `mapstructure:"app"`
}

type CORSConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Empty allows any origin.
	Origins []string `mapstructure:"origins"`
}

// DatabaseConfig configures guest storage. An empty URL disables it.
type DatabaseConfig struct {
	URL              string `mapstructure:"url"`
	MaxConnections   int    `mapstructure:"max_connections" validate:"min=1"`
	MinConnections   int    `mapstructure:"min_connections" validate:"min=0,ltefield=MaxConnections"`
	ConnectTimeoutMs int    `mapstructure:"connect_timeout_ms" validate:"min=1"`
	QueryTimeoutMs   int    `mapstructure:"query_timeout_ms" validate:"min=1"`
}

type SessionConfig struct {
	// A zero timeout expires sessions on their next access.
	TimeoutSeconds       int    `mapstructure:"timeout_seconds" validate:"min=0"`
	CookieName           string `mapstructure:"cookie_name" validate:"required"`
	CookiePath           string `mapstructure:"cookie_path" validate:"required,startswith=/"`
	SameSite             string `mapstructure:"same_site" validate:"oneof=Strict Lax None"`
	Secure               bool   `mapstructure:"secure"`
	HTTPOnly             bool   `mapstructure:"http_only"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds" validate:"min=0"`
}

type AuthConfig struct {
	// JWTSecret verifies bearer tokens. Empty disables bearer auth.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RouterConfig struct {
	MethodNotAllowed bool `mapstructure:"method_not_allowed"`
}

type FilesConfig struct {
	Root string `mapstructure:"root" validate:"required"`
}

type HTTPClientConfig struct {
	TimeoutMs    int    `mapstructure:"timeout_ms" validate:"min=1"`
	MaxTimeoutMs int    `mapstructure:"max_timeout_ms" validate:"gtefield=TimeoutMs"`
	MaxRedirects int    `mapstructure:"max_redirects" validate:"min=0"`
	UserAgent    string `mapstructure:"user_agent"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"min=1,max=65536"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances" validate:"min=1"`
}

type AppConfig struct {
	// Path is an app directory with app.yaml or a .wasm file.
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper, version string) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("body_limit", 10<<20)
	v.SetDefault("roles_file", "")

	v.SetDefault("cors.enabled", true)
	v.SetDefault("cors.origins", []string{})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.connect_timeout_ms", 10000)
	v.SetDefault("database.query_timeout_ms", 30000)

	v.SetDefault("session.timeout_seconds", 3600)
	v.SetDefault("session.cookie_name", "session")
	v.SetDefault("session.cookie_path", "/")
	v.SetDefault("session.same_site", "Lax")
	v.SetDefault("session.secure", true)
	v.SetDefault("session.http_only", true)
	v.SetDefault("session.sweep_interval_seconds", 300)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("router.method_not_allowed", false)
	v.SetDefault("files.root", ".")

	v.SetDefault("http_client.timeout_ms", 30000)
	v.SetDefault("http_client.max_timeout_ms", 120000)
	v.SetDefault("http_client.max_redirects", 10)
	v.SetDefault("http_client.user_agent", "frame-runtime/"+version)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)

	v.SetDefault("app.path", "")
}

// LoadServerConfig loads defaults, the optional YAML file at configPath
// and environment overrides, then validates the result.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	return Load(configPath, "dev")
}

// Load is LoadServerConfig with the version used in the default user
// agent.
func Load(configPath, version string) (*ServerConfig, error) {
	v := viper.New()
	setDefaults(v, version)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", "DATABASE_URL", EnvPrefix+"_DATABASE_URL"); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError reports the first invalid setting.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		return name
	})
	return v
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	key := fe.Namespace()
	if _, rest, ok := strings.Cut(key, "."); ok {
		key = rest
	}
	msg := fmt.Sprintf("failed %q", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
	}
	return &ValidationError{Key: key, Message: msg}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c DatabaseConfig) ConnectTimeout() time.Duration { return millis(c.ConnectTimeoutMs) }
func (c DatabaseConfig) QueryTimeout() time.Duration   { return millis(c.QueryTimeoutMs) }

func (c SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c HTTPClientConfig) Timeout() time.Duration    { return millis(c.TimeoutMs) }
func (c HTTPClientConfig) MaxTimeout() time.Duration { return millis(c.MaxTimeoutMs) }
