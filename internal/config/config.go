// Package config loads the worker bootstrap document. One JSON file carries
// every tunable; secrets may instead arrive through the environment so the
// file can be committed without credentials.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"assetpipe/internal/profile"
)

const (
	envBootstrapPath = "BOOTSTRAP_PATH"

	// DefaultPath is used when neither argv nor the environment names a file.
	DefaultPath = "bootstrap.json"

	envS3AccessKey   = "ASSETPIPE_S3_ACCESS_KEY"
	envS3SecretKey   = "ASSETPIPE_S3_SECRET_KEY"
	envRabbitPass    = "ASSETPIPE_RABBIT_PASS"
	envRedisPassword = "ASSETPIPE_REDIS_PASSWORD"
)

// DB configures the Postgres pool.
type DB struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"maxConns"`
	MinConns int32  `json:"minConns"`
	AppName  string `json:"appName"`
}

// S3 configures the object store connection.
type S3 struct {
	Endpoint      string `json:"endpoint"`
	Region        string `json:"region"`
	Bucket        string `json:"bucket"`
	AccessKey     string `json:"accessKey"`
	SecretKey     string `json:"secretKey"`
	PublicBaseURL string `json:"publicBaseUrl"`
	CacheSeconds  int    `json:"cacheSeconds"`
}

// Rabbit configures the message bus.
type Rabbit struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Pass     string `json:"pass"`
	VHost    string `json:"vhost"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	RetryMax int    `json:"retryMax"`
	DLQ      string `json:"dlq"`
}

// Addr returns host:port for log lines and health output.
func (r Rabbit) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// URL assembles the AMQP URI. A blank vhost falls back to the broker default.
func (r Rabbit) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   r.Addr(),
	}
	if r.User != "" {
		u.User = url.UserPassword(r.User, r.Pass)
	}
	if vhost := strings.TrimPrefix(strings.TrimSpace(r.VHost), "/"); vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

// HTTP configures the remote-source downloader.
type HTTP struct {
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxBytes       int64  `json:"maxBytes"`
	UserAgent      string `json:"userAgent"`
}

// Timeout converts the configured seconds to a duration, zero when unset.
func (h HTTP) Timeout() time.Duration {
	if h.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Temp configures the upload spool. An empty dir disables async local
// uploads.
type Temp struct {
	UploadDir string `json:"uploadDir"`
}

// Redis configures the optional dedup hint cache.
type Redis struct {
	Addr      string   `json:"addr"`
	Addrs     []string `json:"addrs"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	KeyPrefix string   `json:"keyPrefix"`
	TTLHours  int      `json:"ttlHours"`
}

// TTL converts the configured hours to a duration, zero when unset.
func (r Redis) TTL() time.Duration {
	if r.TTLHours <= 0 {
		return 0
	}
	return time.Duration(r.TTLHours) * time.Hour
}

// Maintenance configures the background sweeps.
type Maintenance struct {
	RequeueAfterMinutes  int `json:"requeueAfterMinutes"`
	SpoolRetentionHours  int `json:"spoolRetentionHours"`
	SweepIntervalMinutes int `json:"sweepIntervalMinutes"`
}

// Metrics configures the sidecar HTTP listener serving /metrics and /healthz.
type Metrics struct {
	Addr string `json:"addr"`
}

// Entities optionally renames the three storage tables.
type Entities struct {
	Asset     string `json:"asset"`
	Variant   string `json:"variant"`
	OwnerLink string `json:"ownerLink"`
}

// Log configures slog output.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the parsed bootstrap document.
type Config struct {
	DB          DB                        `json:"db"`
	S3          S3                        `json:"s3"`
	Rabbit      Rabbit                    `json:"rabbit"`
	HTTP        HTTP                      `json:"http"`
	Temp        Temp                      `json:"temp"`
	Redis       Redis                     `json:"redis"`
	Maintenance Maintenance               `json:"maintenance"`
	Metrics     Metrics                   `json:"metrics"`
	Profiles    map[string]profile.Config `json:"profiles"`
	Entities    Entities                  `json:"entities"`
	Log         Log                       `json:"log"`
}

// ResolvePath picks the bootstrap file: the first CLI argument, then
// $BOOTSTRAP_PATH, then the built-in default.
func ResolvePath(args []string) string {
	if len(args) > 0 {
		if path := strings.TrimSpace(args[0]); path != "" {
			return path
		}
	}
	if path := strings.TrimSpace(os.Getenv(envBootstrapPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load reads and validates the bootstrap document at path. Credentials from
// the environment override their file counterparts.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read bootstrap %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse bootstrap %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Rabbit.Port <= 0 {
		c.Rabbit.Port = 5672
	}
	if c.Rabbit.RetryMax <= 0 {
		c.Rabbit.RetryMax = 3
	}
	if c.Maintenance.SweepIntervalMinutes <= 0 {
		c.Maintenance.SweepIntervalMinutes = 5
	}
	if c.Maintenance.RequeueAfterMinutes <= 0 {
		c.Maintenance.RequeueAfterMinutes = 30
	}
	if c.Maintenance.SpoolRetentionHours <= 0 {
		c.Maintenance.SpoolRetentionHours = 24
	}
	if strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = ":9090"
	}
}

func (c *Config) applyEnvOverrides() {
	c.S3.AccessKey = firstNonEmpty(os.Getenv(envS3AccessKey), c.S3.AccessKey)
	c.S3.SecretKey = firstNonEmpty(os.Getenv(envS3SecretKey), c.S3.SecretKey)
	c.Rabbit.Pass = firstNonEmpty(os.Getenv(envRabbitPass), c.Rabbit.Pass)
	c.Redis.Password = firstNonEmpty(os.Getenv(envRedisPassword), c.Redis.Password)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Validate reports every missing required field in one error.
func (c Config) Validate() error {
	if missing := c.missingRequiredFields(); len(missing) > 0 {
		return fmt.Errorf("missing bootstrap configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("no media profiles configured")
	}
	return nil
}

func (c Config) missingRequiredFields() []string {
	missing := make([]string, 0, 8)
	if strings.TrimSpace(c.DB.DSN) == "" {
		missing = append(missing, "db.dsn")
	}
	if strings.TrimSpace(c.S3.Bucket) == "" {
		missing = append(missing, "s3.bucket")
	}
	if strings.TrimSpace(c.S3.AccessKey) == "" {
		missing = append(missing, "s3.accessKey")
	}
	if strings.TrimSpace(c.S3.SecretKey) == "" {
		missing = append(missing, "s3.secretKey")
	}
	if strings.TrimSpace(c.Rabbit.Host) == "" {
		missing = append(missing, "rabbit.host")
	}
	if strings.TrimSpace(c.Rabbit.User) == "" {
		missing = append(missing, "rabbit.user")
	}
	if strings.TrimSpace(c.Rabbit.Pass) == "" {
		missing = append(missing, "rabbit.pass")
	}
	return missing
}
