package app

import (
	"fmt"
	"os"
	"path/filepath"

	"rv-go/internal/config"
)

// Defaults is the on-disk layout rv uses when the config does not say
// otherwise:
//
//	<base>/log        rv.log
//	<base>/db         <prefix>.db (and <prefix>.db.backup after repair)
//	<base>/tmp        transfer temp files
//	<base>/keys       age key pair
//	<base>/vault      filesystem vault created by `rv config init`
type Defaults struct {
	ConfigPath string
	BaseDir    string

	// Initial throttle for `rv config init`, from RV_MAX_UPLOAD and
	// RV_MAX_DOWNLOAD. Empty means unlimited.
	MaxUploadPerSecond   string
	MaxDownloadPerSecond string
}

// GetDefaults resolves the defaults from the environment:
//   - RV_CONFIG_PATH: config file (default ~/.config/rv.toml)
//   - RV_HOME: base directory (default ~/.local/share/rv)
//   - RV_MAX_UPLOAD, RV_MAX_DOWNLOAD: initial transfer limits ("1 MB")
func GetDefaults() (*Defaults, error) {
	configPath := os.Getenv("RV_CONFIG_PATH")
	baseDir := os.Getenv("RV_HOME")
	if configPath == "" || baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		if configPath == "" {
			configPath = filepath.Join(home, ".config", "rv.toml")
		}
		if baseDir == "" {
			baseDir = filepath.Join(home, ".local", "share", "rv")
		}
	}

	d := &Defaults{
		ConfigPath:           configPath,
		BaseDir:              baseDir,
		MaxUploadPerSecond:   os.Getenv("RV_MAX_UPLOAD"),
		MaxDownloadPerSecond: os.Getenv("RV_MAX_DOWNLOAD"),
	}
	if _, err := config.ParseSize(d.MaxUploadPerSecond); err != nil {
		return nil, fmt.Errorf("RV_MAX_UPLOAD: %w", err)
	}
	if _, err := config.ParseSize(d.MaxDownloadPerSecond); err != nil {
		return nil, fmt.Errorf("RV_MAX_DOWNLOAD: %w", err)
	}
	return d, nil
}

func (d *Defaults) LogDir() string   { return filepath.Join(d.BaseDir, "log") }
func (d *Defaults) DataDir() string  { return filepath.Join(d.BaseDir, "db") }
func (d *Defaults) TempDir() string  { return tempDir(d.BaseDir) }
func (d *Defaults) VaultDir() string { return filepath.Join(d.BaseDir, "vault") }

// DBPath is the sqlite file holding the volume table of prefix.
func (d *Defaults) DBPath(prefix string) string {
	return filepath.Join(d.DataDir(), prefix+".db")
}

// NewConfig builds the config `rv config init` writes: a sqlite database and
// a filesystem vault under the base directory, age encryption and the
// throttle from the environment.
func (d *Defaults) NewConfig(prefix string) *config.Config {
	cfg := config.NewConfig(prefix, d.BaseDir)
	cfg.LogDir = d.LogDir()
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: d.DataDir()}
	cfg.Vaults = []config.VaultConfig{{
		Type:        "filesystem",
		Name:        "local",
		FSVaultRoot: d.VaultDir(),
	}}
	cfg.Backend.MaxUploadPerSecond = d.MaxUploadPerSecond
	cfg.Backend.MaxDownloadPerSecond = d.MaxDownloadPerSecond
	return cfg
}

func tempDir(baseDir string) string {
	return filepath.Join(baseDir, "tmp")
}
