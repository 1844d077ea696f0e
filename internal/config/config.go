// Package config loads fkg configuration.
//
// Values come from, in increasing priority: built-in defaults, a YAML file,
// and FKG_ environment variables. Nested keys use a double underscore, so
// instance.id is FKG_INSTANCE__ID.
//
// Config file locations when no path is given (first found wins):
//  1. ./fkg.yaml
//  2. ./config/fkg.yaml
//  3. /etc/fkg/fkg.yaml
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/roach88/fkg/internal/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FKG"

// SearchPaths are the directories searched for fkg.yaml.
var SearchPaths = []string{".", "./config", "/etc/fkg"}

// Config is the complete fkg configuration.
type Config struct {
	Instance   InstanceConfig   `mapstructure:"instance" yaml:"instance"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	Federation FederationConfig `mapstructure:"federation" yaml:"federation"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Publish    PublishConfig    `mapstructure:"publish" yaml:"publish"`
}

// InstanceConfig is the identity of this instance. ID is the local
// authority id stamped on every locally authored record.
type InstanceConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	AuthorityName string `mapstructure:"authority_name" yaml:"authority_name"`
	Jurisdiction  string `mapstructure:"jurisdiction" yaml:"jurisdiction"`
	PublicKey     string `mapstructure:"public_key" yaml:"public_key,omitempty"`
	SchemaVersion string `mapstructure:"schema_version" yaml:"schema_version"`
}

// DatabaseConfig selects the graph store: memory:, sqlite:<path> or
// postgres://...
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type APIConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type FederationConfig struct {
	Remotes []model.Remote `mapstructure:"remotes" yaml:"remotes"`

	// Verifier names the signature verifier: require-and-fail or noop-allow.
	Verifier     string        `mapstructure:"verifier" yaml:"verifier"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`

	// Lock is local or redis. Redis locks need redis.url.
	Lock    string        `mapstructure:"lock" yaml:"lock"`
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// Remote returns the configured remote with id.
func (f FederationConfig) Remote(id string) (model.Remote, bool) {
	for _, r := range f.Remotes {
		if r.ID == id {
			return r, true
		}
	}
	return model.Remote{}, false
}

// AddRemote appends r, replacing an existing remote with the same id.
func (f *FederationConfig) AddRemote(r model.Remote) {
	for i := range f.Remotes {
		if f.Remotes[i].ID == r.ID {
			f.Remotes[i] = r
			return
		}
	}
	f.Remotes = append(f.Remotes, r)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type TelemetryConfig struct {
	// Exporter is none, stdout or otlphttp.
	Exporter    string `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url,omitempty"`
}

// PublishConfig controls where `fkg export` uploads snapshots.
type PublishConfig struct {
	S3URL  string `mapstructure:"s3_url" yaml:"s3_url,omitempty"`
	Region string `mapstructure:"region" yaml:"region,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID:            "local.dev",
			AuthorityName: "Local Development",
			Jurisdiction:  "Development",
			SchemaVersion: model.SchemaVersion,
		},
		Database: DatabaseConfig{URL: "sqlite:fkg.db"},
		API: APIConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			ShutdownTimeout: 10 * time.Second,
		},
		Federation: FederationConfig{
			Remotes:      []model.Remote{},
			Verifier:     "require-and-fail",
			Concurrency:  4,
			FetchTimeout: 60 * time.Second,
			Lock:         "local",
			LockTTL:      5 * time.Minute,
		},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{Exporter: "none", ServiceName: "fkg"},
	}
}

// setDefaults registers every default with v so environment overrides are
// recognized for keys absent from the file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("instance.id", d.Instance.ID)
	v.SetDefault("instance.authority_name", d.Instance.AuthorityName)
	v.SetDefault("instance.jurisdiction", d.Instance.Jurisdiction)
	v.SetDefault("instance.public_key", d.Instance.PublicKey)
	v.SetDefault("instance.schema_version", d.Instance.SchemaVersion)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)
	v.SetDefault("federation.remotes", []map[string]any{})
	v.SetDefault("federation.verifier", d.Federation.Verifier)
	v.SetDefault("federation.concurrency", d.Federation.Concurrency)
	v.SetDefault("federation.fetch_timeout", d.Federation.FetchTimeout)
	v.SetDefault("federation.lock", d.Federation.Lock)
	v.SetDefault("federation.lock_ttl", d.Federation.LockTTL)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("publish.s3_url", d.Publish.S3URL)
	v.SetDefault("publish.region", d.Publish.Region)
}

// Load reads configuration. An explicit path must exist; otherwise the
// search paths are tried and defaults are used when none has a file.
// It returns the config and the file it was read from, if any.
func Load(path string) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fkg")
		v.SetConfigType("yaml")
		for _, p := range SearchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, v.ConfigFileUsed(), fmt.Errorf("parse config: %w", err)
	}
	if cfg.Federation.Remotes == nil {
		cfg.Federation.Remotes = []model.Remote{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, v.ConfigFileUsed(), err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Instance.ID == "" {
		errs = append(errs, errors.New("instance.id is required"))
	} else if strings.Contains(c.Instance.ID, ":") {
		errs = append(errs, fmt.Errorf("instance.id %q must not contain ':'", c.Instance.ID))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	seen := make(map[string]bool, len(c.Federation.Remotes))
	for i, r := range c.Federation.Remotes {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("federation.remotes[%d].id is required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("federation.remotes[%d]: duplicate remote id %q", i, r.ID))
		case r.ID == c.Instance.ID:
			errs = append(errs, fmt.Errorf("federation.remotes[%d]: remote id %q is the local instance", i, r.ID))
		}
		seen[r.ID] = true
		if r.Endpoint == "" {
			errs = append(errs, fmt.Errorf("federation.remotes[%d].endpoint is required", i))
		}
	}

	if !slices.Contains([]string{"require-and-fail", "noop-allow"}, c.Federation.Verifier) {
		errs = append(errs, fmt.Errorf("federation.verifier %q must be require-and-fail or noop-allow", c.Federation.Verifier))
	}
	if c.Federation.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("federation.concurrency must be at least 1, got %d", c.Federation.Concurrency))
	}
	if !slices.Contains([]string{"local", "redis"}, c.Federation.Lock) {
		errs = append(errs, fmt.Errorf("federation.lock %q must be local or redis", c.Federation.Lock))
	} else if c.Federation.Lock == "redis" && c.Redis.URL == "" {
		errs = append(errs, errors.New("federation.lock redis requires redis.url"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if !slices.Contains([]string{"none", "stdout", "otlphttp"}, c.Telemetry.Exporter) {
		errs = append(errs, fmt.Errorf("telemetry.exporter %q must be none, stdout or otlphttp", c.Telemetry.Exporter))
	}
	return errors.Join(errs...)
}

// Save writes c to path as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
