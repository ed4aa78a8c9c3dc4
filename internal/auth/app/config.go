package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/authme/internal/auth/service"
	"github.com/spf13/viper"
)

const envPrefix = "AUTHME"

type Config struct {
	Port      int    // HTTP server port (default: 8080)
	PublicURL string // Base URL the service is reached at; issuers derive from it (default: http://localhost:{Port})
	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: json)

	DBPath        string // Path to the SQLite database file (default: authme.db)
	PepperPath    string // File holding the password pepper, created on first start (default: pepper)
	MasterKeyPath string // File holding the sealing key for private keys and upstream secrets
	MasterKey     string // Sealing key given inline, used when MasterKeyPath is empty
	RedisURL      string // Optional: shares device poll throttling between instances

	DefaultRealm       string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	CodeTTL            time.Duration
	DeviceCodeTTL      time.Duration
	DevicePollInterval time.Duration
	KeyCacheTTL        time.Duration
	KeyRotationOverlap time.Duration
	BackchannelTimeout time.Duration

	HousekeepingInterval time.Duration
	ShutdownGrace        time.Duration

	BootstrapClientID      string
	BootstrapClientSecret  string
	BootstrapRedirectURIs  []string // Space separated in the environment
	BootstrapAdminUsername string
	BootstrapAdminPassword string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("public_url", "")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("db_path", "authme.db")
	v.SetDefault("pepper_path", "pepper")
	v.SetDefault("master_key_path", "")
	v.SetDefault("master_key", "")
	v.SetDefault("redis_url", "")

	v.SetDefault("default_realm", "master")
	v.SetDefault("access_token_ttl", service.DefaultAccessTokenTTL)
	v.SetDefault("refresh_token_ttl", service.DefaultRefreshTokenTTL)
	v.SetDefault("code_ttl", service.DefaultCodeTTL)
	v.SetDefault("device_code_ttl", service.DefaultDeviceCodeTTL)
	v.SetDefault("device_poll_interval", service.DefaultDevicePollInterval)
	v.SetDefault("key_cache_ttl", service.DefaultKeyCacheTTL)
	v.SetDefault("key_rotation_overlap", service.DefaultKeyOverlap)
	v.SetDefault("backchannel_timeout", service.DefaultBackchannelTimeout)

	v.SetDefault("housekeeping_interval", service.DefaultHousekeepingInterval)
	v.SetDefault("shutdown_grace", 10*time.Second)

	v.SetDefault("bootstrap_client_id", "")
	v.SetDefault("bootstrap_client_secret", "")
	v.SetDefault("bootstrap_redirect_uris", []string{})
	v.SetDefault("bootstrap_admin_username", "")
	v.SetDefault("bootstrap_admin_password", "")
}

// LoadConfig reads AUTHME_* environment variables over the optional file
// named by AUTHME_CONFIG_FILE (yaml, json or toml).
func LoadConfig() (Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		Port:      v.GetInt("port"),
		PublicURL: strings.TrimRight(v.GetString("public_url"), "/"),
		Env:       v.GetString("env"),
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		DBPath:        v.GetString("db_path"),
		PepperPath:    v.GetString("pepper_path"),
		MasterKeyPath: v.GetString("master_key_path"),
		MasterKey:     v.GetString("master_key"),
		RedisURL:      v.GetString("redis_url"),

		DefaultRealm:       v.GetString("default_realm"),
		AccessTokenTTL:     v.GetDuration("access_token_ttl"),
		RefreshTokenTTL:    v.GetDuration("refresh_token_ttl"),
		CodeTTL:            v.GetDuration("code_ttl"),
		DeviceCodeTTL:      v.GetDuration("device_code_ttl"),
		DevicePollInterval: v.GetDuration("device_poll_interval"),
		KeyCacheTTL:        v.GetDuration("key_cache_ttl"),
		KeyRotationOverlap: v.GetDuration("key_rotation_overlap"),
		BackchannelTimeout: v.GetDuration("backchannel_timeout"),

		HousekeepingInterval: v.GetDuration("housekeeping_interval"),
		ShutdownGrace:        v.GetDuration("shutdown_grace"),

		BootstrapClientID:      v.GetString("bootstrap_client_id"),
		BootstrapClientSecret:  v.GetString("bootstrap_client_secret"),
		BootstrapRedirectURIs:  v.GetStringSlice("bootstrap_redirect_uris"),
		BootstrapAdminUsername: v.GetString("bootstrap_admin_username"),
		BootstrapAdminPassword: v.GetString("bootstrap_admin_password"),
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("public_url %q must be an http(s) URL", c.PublicURL))
	}
	if c.DefaultRealm == "" {
		errs = append(errs, errors.New("default_realm is required"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if (c.BootstrapClientID == "") != (c.BootstrapClientSecret == "") {
		errs = append(errs, errors.New("bootstrap client id and secret must be set together"))
	}
	if (c.BootstrapAdminUsername == "") != (c.BootstrapAdminPassword == "") {
		errs = append(errs, errors.New("bootstrap admin username and password must be set together"))
	}
	return errors.Join(errs...)
}

// SecureCookies reports whether the identity cookie should be Secure.
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}
