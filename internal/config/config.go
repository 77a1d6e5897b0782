// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/depotdock/depotdock/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "depotdock"
	// FileName is the config file name inside the config directory.
	FileName = "config.toml"
)

type (
	// loadOptions collects the explicit inputs of one Load call.
	loadOptions struct {
		file string // forces a specific config file
		dir  string // overrides both the config dir and the data-dir default
	}

	// LoadOption adjusts where Load looks for configuration.
	LoadOption func(*loadOptions)
)

// WithFile forces loading from a specific config file. An empty path is a
// no-op, so a CLI flag value can be passed through unconditionally.
func WithFile(path string) LoadOption {
	return func(o *loadOptions) { o.file = path }
}

// WithDir overrides the platform config and data directory lookup. Tests use
// it because os.UserHomeDir() does not reliably respect the HOME environment
// variable on all platforms (e.g., macOS in CI).
func WithDir(dir string) LoadOption {
	return func(o *loadOptions) { o.dir = dir }
}

// Load reads the depotdock configuration: built-in defaults, then the TOML
// file (explicit, or <config dir>/config.toml when present), then DEPOTDOCK_*
// environment overrides, then validation.
func Load(ctx context.Context, opts ...LoadOption) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load config canceled: %w", err)
	}

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	defaults := DefaultConfig()
	if o.dir != "" {
		defaults.Root = filepath.Join(o.dir, "installs")
	}

	v := viper.New()
	v.SetConfigType("toml")
	seedDefaults(v, defaults)

	// Environment overrides: DEPOTDOCK_CATALOG_URL overrides catalog.url.
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolveConfigFile(o)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := readFileIntoViper(v, path); err != nil {
			return nil, issue.New("load configuration").
				On(path).
				Hint("Check that the file contains valid TOML syntax").
				Hint("Verify the configuration values match the expected schema").
				Because(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, issue.New("validate configuration").
			On(path).
			Hint("Set 'root' to an absolute path for the managed install root").
			Hint("Check 'catalog.url' and 'catalog.cache_ttl' values").
			Because(err)
	}

	return &cfg, nil
}

// resolveConfigFile picks the config file for a Load call. An explicit file
// must exist; the conventional location is optional.
func resolveConfigFile(o loadOptions) (string, error) {
	if o.file != "" {
		if !fileExists(o.file) {
			return "", issue.New("load configuration").
				On(o.file).
				Hint("Verify the file path is correct").
				Hint("Check that the file exists and is readable").
				Because(fmt.Errorf("config file not found: %s", o.file))
		}
		return o.file, nil
	}

	dir := o.dir
	if dir == "" {
		var err error
		dir, err = ConfigDir()
		if err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, FileName)
	if !fileExists(path) {
		return "", nil // defaults only
	}
	return path, nil
}

// seedDefaults registers every config key with viper so environment
// overrides apply even when the file omits the key.
func seedDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("root", d.Root)
	v.SetDefault("max_recent_builds", d.MaxRecentBuilds)
	v.SetDefault("catalog.url", d.Catalog.URL)
	v.SetDefault("catalog.product_id", d.Catalog.ProductID)
	v.SetDefault("catalog.username", d.Catalog.Username)
	v.SetDefault("catalog.secret_env", d.Catalog.SecretEnv)
	v.SetDefault("catalog.cache_ttl", d.Catalog.CacheTTL)
	v.SetDefault("catalog.change_number_file", d.Catalog.ChangeNumberFile)
	v.SetDefault("downloader.path", d.Downloader.Path)
	v.SetDefault("downloader.conflict_process", d.Downloader.ConflictProcess)
}

func readFileIntoViper(v *viper.Viper, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return v.ReadConfig(f)
}

// ConfigDir returns the depotdock configuration directory using
// platform-specific conventions: Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, and Linux/others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// DataDir returns the depotdock data directory, the default parent of the
// managed install root: %LOCALAPPDATA% on Windows, ~/Library/Application
// Support on macOS, $XDG_DATA_HOME (defaulting to ~/.local/share) elsewhere.
func DataDir() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "windows":
		dataDir = os.Getenv("LOCALAPPDATA")
		if dataDir == "" {
			dataDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, "Library", "Application Support")
	default:
		dataDir = os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".local", "share")
		}
	}

	return filepath.Join(dataDir, AppName), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
