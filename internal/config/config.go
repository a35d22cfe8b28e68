package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config represents the main configuration for rv.
type Config struct {
	// Prefix is the backup prefix used in remote volume names.
	Prefix string `toml:"prefix"`

	// Dryrun suppresses remote deletions and verification uploads.
	Dryrun bool `toml:"dryrun"`

	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Backend    BackendConfig    `toml:"backend"`
	Verify     VerifyConfig     `toml:"verify"`

	// ConsoleLogLevel is the lowest level echoed to stderr. The log file
	// always receives every level.
	ConsoleLogLevel string `toml:"console_log_level"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig represents configuration for a remote store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3PathStyle bool   `toml:"s3_path_style,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// BackendConfig controls the backend manager. Sizes are human readable
// ("1 MB", "512KiB"); an empty size means unlimited.
type BackendConfig struct {
	NumberOfRetries             int      `toml:"number_of_retries"`
	RetryDelay                  Duration `toml:"retry_delay"`
	RetryWithExponentialBackoff bool     `toml:"retry_with_exponential_backoff"`
	MaxRetryDelay               Duration `toml:"max_retry_delay"`
	MaxUploadPerSecond          string   `toml:"max_upload_per_second,omitempty"`
	MaxDownloadPerSecond        string   `toml:"max_download_per_second,omitempty"`
	DisableThrottle             bool     `toml:"disable_throttle"`
	AutoCreateFolder            bool     `toml:"auto_create_folder"`
	TestConnection              bool     `toml:"test_connection"`
	ShutdownTimeout             Duration `toml:"shutdown_timeout"`
}

// VerifyConfig controls the remote consistency checks.
type VerifyConfig struct {
	// QuotaWarningThreshold is the free space, in percent of the known
	// backup size, below which a warning is logged.
	QuotaWarningThreshold int    `toml:"quota_warning_threshold"`
	QuotaSize             string `toml:"quota_size,omitempty"`
	QuotaDisable          bool   `toml:"quota_disable"`
	NoBackendVerification bool   `toml:"no_backend_verification"`
}

// Duration is a time.Duration written as a string ("10s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ParseSize parses a human readable byte size. Empty means 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(v), nil
}

// UploadLimit returns the upload limit in bytes per second, 0 for unlimited.
func (b BackendConfig) UploadLimit() (int64, error) { return ParseSize(b.MaxUploadPerSecond) }

// DownloadLimit returns the download limit in bytes per second, 0 for unlimited.
func (b BackendConfig) DownloadLimit() (int64, error) { return ParseSize(b.MaxDownloadPerSecond) }

// AssignedQuota returns the configured quota in bytes, or -1 if none is set.
func (v VerifyConfig) AssignedQuota() (int64, error) {
	if strings.TrimSpace(v.QuotaSize) == "" {
		return -1, nil
	}
	return ParseSize(v.QuotaSize)
}

// NewConfig creates a new Config with the provided values and default key paths.
func NewConfig(prefix, baseDir string) *Config {
	cfg := &Config{
		Prefix:  prefix,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "rv.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "rv.key"),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ConsoleLevel parses ConsoleLogLevel ("debug", "info", "warn", "error").
// Empty means info.
func (c *Config) ConsoleLevel() (slog.Level, error) {
	var l slog.Level
	if c.ConsoleLogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.ConsoleLogLevel)); err != nil {
		return 0, err
	}
	return l, nil
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "rv"
	}
	if c.Encryption.Type == "" {
		c.Encryption.Type = "age"
	}
	if c.ConsoleLogLevel == "" {
		c.ConsoleLogLevel = "info"
	}
	if c.Backend.NumberOfRetries == 0 {
		c.Backend.NumberOfRetries = 5
	}
	if c.Backend.RetryDelay.Duration == 0 {
		c.Backend.RetryDelay.Duration = 10 * time.Second
	}
	if c.Backend.MaxRetryDelay.Duration == 0 {
		c.Backend.MaxRetryDelay.Duration = 10 * time.Minute
	}
	if c.Backend.ShutdownTimeout.Duration == 0 {
		c.Backend.ShutdownTimeout.Duration = time.Second
	}
	if c.Verify.QuotaWarningThreshold == 0 {
		c.Verify.QuotaWarningThreshold = 10
	}
}

// Validate checks that sizes parse and the prefix is usable in volume names.
func (c *Config) Validate() error {
	if strings.Contains(c.Prefix, "-") {
		return fmt.Errorf("prefix %q must not contain '-'", c.Prefix)
	}
	if _, err := c.ConsoleLevel(); err != nil {
		return fmt.Errorf("console_log_level: %w", err)
	}
	if _, err := c.Backend.UploadLimit(); err != nil {
		return fmt.Errorf("max_upload_per_second: %w", err)
	}
	if _, err := c.Backend.DownloadLimit(); err != nil {
		return fmt.Errorf("max_download_per_second: %w", err)
	}
	if _, err := c.Verify.AssignedQuota(); err != nil {
		return fmt.Errorf("quota_size: %w", err)
	}
	if c.Verify.QuotaWarningThreshold < 0 || c.Verify.QuotaWarningThreshold > 100 {
		return fmt.Errorf("quota_warning_threshold must be between 0 and 100, got %d", c.Verify.QuotaWarningThreshold)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
