package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/pkg/types"
)

type Config struct {
	ListenAddr string   `yaml:"listen_addr" env:"ANCHORD_LISTEN_ADDR"`
	SiteURL    string   `yaml:"site_url" env:"ANCHORD_SITE_URL"`
	APIToken   string   `yaml:"api_token" env:"ANCHORD_API_TOKEN"`
	LogLevel   string   `yaml:"log_level" env:"ANCHORD_LOG_LEVEL"`
	DB         DBConfig `yaml:"db"`

	Algorithm   string `yaml:"algorithm" env:"ANCHORD_ALGORITHM"`
	HMACEnabled bool   `yaml:"hmac_enabled" env:"ANCHORD_HMAC_ENABLED"`
	// HMACKey is read from the environment only.
	HMACKey       string `yaml:"-" env:"ANCHORD_HMAC_KEY"`
	HMACMinKeyLen int    `yaml:"hmac_min_key_len" env:"ANCHORD_HMAC_MIN_KEY_LEN"`

	PolicyPath            string        `yaml:"policy_path" env:"ANCHORD_POLICY_PATH"`
	ArtifactsDir          string        `yaml:"artifacts_dir" env:"ANCHORD_ARTIFACTS_DIR"`
	RetentionDays         int           `yaml:"retention_days" env:"ANCHORD_RETENTION_DAYS"`
	ProviderTimeout       time.Duration `yaml:"provider_timeout" env:"ANCHORD_PROVIDER_TIMEOUT"`
	ProviderRatePerSecond float64       `yaml:"provider_rate_per_second" env:"ANCHORD_PROVIDER_RATE_PER_SECOND"`

	Signing         SigningConfig         `yaml:"signing"`
	Providers       ProvidersConfig       `yaml:"providers"`
	Git             GitConfig             `yaml:"git"`
	RFC3161         RFC3161Config         `yaml:"rfc3161"`
	TransparencyLog TransparencyLogConfig `yaml:"transparency_log"`
	Queue           QueueConfig           `yaml:"queue"`
	Tracing         TracingConfig         `yaml:"tracing"`
}

type DBConfig struct {
	Driver string `yaml:"driver" env:"ANCHORD_DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"ANCHORD_DB_DSN"`
}

type SigningConfig struct {
	PrivateKeyPath   string `yaml:"private_key_path" env:"ANCHORD_SIGNING_KEY_PATH"`
	KeyFetchURL      string `yaml:"key_fetch_url" env:"ANCHORD_KEY_FETCH_URL"`
	EphemeralKeyType string `yaml:"ephemeral_key_type" env:"ANCHORD_EPHEMERAL_KEY_TYPE"`
	DSSEEnabled      bool   `yaml:"dsse_enabled" env:"ANCHORD_DSSE_ENABLED"`
}

type ProvidersConfig struct {
	Enabled []string `yaml:"enabled" env:"ANCHORD_PROVIDERS" envSeparator:","`
}

type GitConfig struct {
	Flavor                string `yaml:"flavor" env:"ANCHORD_GIT_FLAVOR"`
	APIBase               string `yaml:"api_base" env:"ANCHORD_GIT_API_BASE"`
	WebBase               string `yaml:"web_base" env:"ANCHORD_GIT_WEB_BASE"`
	Token                 string `yaml:"token" env:"ANCHORD_GIT_TOKEN"`
	Owner                 string `yaml:"owner" env:"ANCHORD_GIT_OWNER"`
	Repo                  string `yaml:"repo" env:"ANCHORD_GIT_REPO"`
	Branch                string `yaml:"branch" env:"ANCHORD_GIT_BRANCH"`
	FolderPathTemplate    string `yaml:"folder_path_template"`
	CommitMessageTemplate string `yaml:"commit_message_template"`
}

type RFC3161Config struct {
	Profile         string `yaml:"profile" env:"ANCHORD_TSA_PROFILE"`
	CustomURL       string `yaml:"custom_url" env:"ANCHORD_TSA_URL"`
	Username        string `yaml:"username" env:"ANCHORD_TSA_USERNAME"`
	Password        string `yaml:"password" env:"ANCHORD_TSA_PASSWORD"`
	ProfilesPath    string `yaml:"profiles_path" env:"ANCHORD_TSA_PROFILES_PATH"`
	MaxResponseSize string `yaml:"max_response_size"`
}

type TransparencyLogConfig struct {
	URL string `yaml:"url" env:"ANCHORD_TLOG_URL"`
}

type QueueConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"ANCHORD_QUEUE_MAX_ATTEMPTS"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	BatchSize   int           `yaml:"batch_size"`
	Parallelism int           `yaml:"parallelism"`
	Schedule    string        `yaml:"schedule" env:"ANCHORD_QUEUE_SCHEDULE"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ANCHORD_OTEL_ENABLED"`
	Endpoint string `yaml:"endpoint" env:"ANCHORD_OTEL_ENDPOINT"`
}

// Defaults is the configuration used before the file and environment are
// applied.
func Defaults() Config {
	return Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		DB:              DBConfig{Driver: "sqlite", DSN: "file:anchord.db?_pragma=busy_timeout(5000)"},
		Algorithm:       integrity.DefaultAlgorithm,
		HMACMinKeyLen:   integrity.DefaultMinKeyLen,
		ArtifactsDir:    "data/artifacts",
		ProviderTimeout: 10 * time.Second,
		Signing:         SigningConfig{EphemeralKeyType: "ecdsa-p256"},
		Providers:       ProvidersConfig{Enabled: []string{string(types.ProviderRFC3161), string(types.ProviderTransparencyLog)}},
		Git: GitConfig{
			Flavor: "github",
			Branch: "main",
		},
		RFC3161:         RFC3161Config{Profile: "freetsa", MaxResponseSize: "1MB"},
		TransparencyLog: TransparencyLogConfig{URL: "https://rekor.sigstore.dev"},
		Queue: QueueConfig{
			MaxAttempts: 5,
			BackoffBase: 30 * time.Second,
			BackoffMax:  time.Hour,
			DedupWindow: 60 * time.Second,
			BatchSize:   25,
			Parallelism: 3,
			Schedule:    "*/5 * * * *",
		},
	}
}

// Load reads the YAML file at path over Defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}

		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ParseEnv applies ANCHORD_* environment variables to target.
func ParseEnv(target *Config) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.DB.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is %s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver must be memory, sqlite or postgres")
	}

	if _, ok := integrity.LookupAlgorithm(c.Algorithm); !ok {
		return fmt.Errorf("algorithm %q is not supported", c.Algorithm)
	}
	if c.HMACKey != "" && len(c.HMACKey) < c.HMACMinKeyLen {
		return fmt.Errorf("ANCHORD_HMAC_KEY must be at least %d bytes", c.HMACMinKeyLen)
	}

	switch c.Signing.EphemeralKeyType {
	case "ed25519", "ecdsa-p256":
	default:
		return fmt.Errorf("signing.ephemeral_key_type must be ed25519 or ecdsa-p256")
	}
	if c.Signing.DSSEEnabled && c.ArtifactsDir == "" {
		return fmt.Errorf("artifacts_dir is required when signing.dsse_enabled=true")
	}

	if len(c.Providers.Enabled) == 0 {
		return fmt.Errorf("providers.enabled must name at least one provider")
	}
	for _, name := range c.Providers.Enabled {
		if !knownProvider(name) {
			return fmt.Errorf("providers.enabled: unknown provider %q", name)
		}
	}

	if c.ProviderEnabled(types.ProviderGitHost) {
		if c.Git.Flavor != "github" && c.Git.Flavor != "gitlab" {
			return fmt.Errorf("git.flavor must be github or gitlab")
		}
		if c.Git.Owner == "" || c.Git.Repo == "" {
			return fmt.Errorf("git.owner and git.repo are required when git_host is enabled")
		}
		if c.Git.Token == "" {
			return fmt.Errorf("git.token is required when git_host is enabled")
		}
	}

	if c.ProviderEnabled(types.ProviderRFC3161) {
		if c.ArtifactsDir == "" {
			return fmt.Errorf("artifacts_dir is required when rfc3161 is enabled")
		}
		if c.RFC3161.Profile == "" && c.RFC3161.CustomURL == "" {
			return fmt.Errorf("rfc3161.profile or rfc3161.custom_url is required")
		}
	}
	if _, err := humanize.ParseBytes(c.RFC3161.MaxResponseSize); err != nil {
		return fmt.Errorf("rfc3161.max_response_size: %w", err)
	}

	if c.ProviderEnabled(types.ProviderTransparencyLog) && c.TransparencyLog.URL == "" {
		return fmt.Errorf("transparency_log.url is required when transparency_log is enabled")
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff_base must be positive and not exceed queue.backoff_max")
	}
	// Dedup expiry is stored at second resolution.
	if c.Queue.DedupWindow < time.Second {
		return fmt.Errorf("queue.dedup_window must be at least 1s")
	}
	if !gronx.IsValid(c.Queue.Schedule) {
		return fmt.Errorf("queue.schedule %q is not a valid cron expression", c.Queue.Schedule)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing.enabled=true")
	}
	return nil
}

// ProviderEnabled reports whether name is listed in providers.enabled.
func (c Config) ProviderEnabled(name types.ProviderName) bool {
	for _, n := range c.Providers.Enabled {
		if n == string(name) {
			return true
		}
	}
	return false
}

func knownProvider(name string) bool {
	for _, p := range types.AllProviders {
		if string(p) == name {
			return true
		}
	}
	return false
}
