// Package config loads the Meteor PKI server configuration from defaults,
// an optional YAML file and METEOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// METEOR_PKI_KEY_ENCRYPTION_SECRET for pki.key_encryption_secret.
const EnvPrefix = "METEOR"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bbolt"
	DriverPostgres = "postgres"
)

// Config is the complete server configuration.
type Config struct {
	Server  Server  `mapstructure:"server"`
	Storage Storage `mapstructure:"storage"`
	PKI     PKI     `mapstructure:"pki"`
	CMP     CMP     `mapstructure:"cmp"`
	Log     Log     `mapstructure:"log"`
	Audit   Audit   `mapstructure:"audit"`
}

type Server struct {
	Addr           string        `mapstructure:"addr"`
	TLSCert        string        `mapstructure:"tls_cert"`
	TLSKey         string        `mapstructure:"tls_key"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

// TLSEnabled reports whether both halves of a key pair are configured.
func (s Server) TLSEnabled() bool { return s.TLSCert != "" && s.TLSKey != "" }

type Storage struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type PKI struct {
	KeyEncryptionSecret string       `mapstructure:"key_encryption_secret"`
	BaseURL             string       `mapstructure:"base_url"`
	PBKDF2Iterations    int          `mapstructure:"pbkdf2_iterations"`
	DefaultValidityDays ValidityDays `mapstructure:"default_validity_days"`
}

// ValidityDays holds certificate lifetimes in days.
type ValidityDays struct {
	RootCA    int `mapstructure:"root_ca"`
	SubCA     int `mapstructure:"sub_ca"`
	EndEntity int `mapstructure:"end_entity"`
}

type CMP struct {
	RequireProtection bool   `mapstructure:"require_protection"`
	SharedSecret      string `mapstructure:"shared_secret"`
	MaxBodyBytes      int64  `mapstructure:"max_body_bytes"`
}

type Log struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AuditFile string `mapstructure:"audit_file"`
}

type Audit struct {
	Persist           bool   `mapstructure:"persist"`
	WebhookURL        string `mapstructure:"webhook_url"`
	WebhookAuthHeader string `mapstructure:"webhook_auth_header"`
}

// New returns a viper instance carrying the defaults and environment
// bindings. Callers may bind command-line flags to it before LoadFrom.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.path", "./data/meteor.db")
	v.SetDefault("pki.base_url", "http://localhost:8080")
	v.SetDefault("pki.pbkdf2_iterations", 310_000)
	v.SetDefault("pki.default_validity_days.root_ca", 7300)
	v.SetDefault("pki.default_validity_days.sub_ca", 3650)
	v.SetDefault("pki.default_validity_days.end_entity", 365)
	v.SetDefault("cmp.require_protection", false)
	v.SetDefault("cmp.max_body_bytes", 1<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("audit.persist", true)

	// Unset keys only reach Unmarshal through AutomaticEnv when viper
	// knows them, so secrets without defaults are bound explicitly.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"server.tls_cert", "server.tls_key", "storage.dsn",
		"pki.key_encryption_secret", "cmp.shared_secret", "log.audit_file",
		"audit.webhook_url", "audit.webhook_auth_header",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the configuration with the default search path. path, when
// set, names the config file explicitly.
func Load(path string) (*Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom reads the config file into v and decodes the result. Without an
// explicit path, meteor.yaml is searched for in ., $HOME/.meteor and
// /etc/meteor; a missing file is not an error.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meteor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.meteor")
		v.AddConfigPath("/etc/meteor")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.PKI.BaseURL = strings.TrimRight(cfg.PKI.BaseURL, "/")
	return &cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.PKI.KeyEncryptionSecret == "" {
		return errors.New("pki.key_encryption_secret is required")
	}
	if c.PKI.PBKDF2Iterations <= 0 {
		return errors.New("pki.pbkdf2_iterations must be positive")
	}
	d := c.PKI.DefaultValidityDays
	if d.RootCA <= 0 || d.SubCA <= 0 || d.EndEntity <= 0 {
		return errors.New("pki.default_validity_days values must be positive")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the bbolt driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.CMP.MaxBodyBytes <= 0 {
		return errors.New("cmp.max_body_bytes must be positive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Log.Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return level, nil
}
