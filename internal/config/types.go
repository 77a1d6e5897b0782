// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultCacheTTL is how long a catalog branch resolution stays fresh.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultSecretEnv is the environment variable consulted for the
	// downloader credential when the config file names no other.
	DefaultSecretEnv = "DEPOTDOCK_SECRET"

	// DefaultMaxRecentBuilds is the default history depth for build listings.
	DefaultMaxRecentBuilds = 10
)

var (
	// ErrInvalidRoot is returned when the managed install root is empty or
	// not an absolute path.
	ErrInvalidRoot = errors.New("invalid install root")
	// ErrInvalidDownloaderPath is returned when the downloader path is
	// whitespace-only.
	ErrInvalidDownloaderPath = errors.New("invalid downloader path")
	// ErrInvalidCatalogConfig is the sentinel error wrapped by
	// InvalidCatalogConfigError.
	ErrInvalidCatalogConfig = errors.New("invalid catalog config")
)

type (
	// Config is the root configuration for depotdock.
	Config struct {
		// Root is the managed install root; branches live under
		// <root>/branches/<branch>.
		Root string `mapstructure:"root"`

		// MaxRecentBuilds bounds how many history entries build listings
		// request.
		MaxRecentBuilds int `mapstructure:"max_recent_builds"`

		Catalog    CatalogConfig    `mapstructure:"catalog"`
		Downloader DownloaderConfig `mapstructure:"downloader"`
	}

	// CatalogConfig describes the catalog API connection.
	CatalogConfig struct {
		// URL is the catalog API base URL.
		URL string `mapstructure:"url"`

		// ProductID identifies the product whose branches are managed.
		ProductID string `mapstructure:"product_id"`

		// Username is the account used by both the catalog session and the
		// downloader.
		Username string `mapstructure:"username"`

		// SecretEnv names the environment variable holding the credential.
		// The credential itself never lives in the config file.
		SecretEnv string `mapstructure:"secret_env"`

		// CacheTTL is how long a branch resolution stays fresh.
		CacheTTL time.Duration `mapstructure:"cache_ttl"`

		// ChangeNumberFile, when set, is watched for catalog change signals;
		// a growing number invalidates the resolution cache.
		ChangeNumberFile string `mapstructure:"change_number_file"`
	}

	// DownloaderConfig describes the external downloader invocation.
	DownloaderConfig struct {
		// Path is the downloader executable.
		Path string `mapstructure:"path"`

		// ConflictProcess is the executable name whose presence blocks
		// downloads until it exits.
		ConflictProcess string `mapstructure:"conflict_process"`
	}

	// InvalidRootError reports a rejected install root. It wraps
	// ErrInvalidRoot for errors.Is() compatibility.
	InvalidRootError struct {
		Value string
	}

	// InvalidCatalogConfigError reports a rejected catalog section. It wraps
	// ErrInvalidCatalogConfig for errors.Is() compatibility.
	InvalidCatalogConfigError struct {
		Field  string
		Reason string
	}
)

func (e *InvalidRootError) Error() string {
	return fmt.Sprintf("%v: %q must be a non-empty absolute path", ErrInvalidRoot, e.Value)
}

func (e *InvalidRootError) Unwrap() error { return ErrInvalidRoot }

func (e *InvalidCatalogConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalidCatalogConfig, e.Field, e.Reason)
}

func (e *InvalidCatalogConfigError) Unwrap() error { return ErrInvalidCatalogConfig }

// DefaultConfig returns the built-in defaults. The install root defaults to
// the platform data directory; an empty Root here means the lookup failed
// and Validate will reject it unless the user configures one.
func DefaultConfig() *Config {
	root := ""
	if dataDir, err := DataDir(); err == nil {
		root = filepath.Join(dataDir, "installs")
	}
	return &Config{
		Root:            root,
		MaxRecentBuilds: DefaultMaxRecentBuilds,
		Catalog: CatalogConfig{
			SecretEnv: DefaultSecretEnv,
			CacheTTL:  DefaultCacheTTL,
		},
		Downloader: DownloaderConfig{},
	}
}

// Validate checks the constraints the TOML schema cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" || !filepath.IsAbs(c.Root) {
		return &InvalidRootError{Value: c.Root}
	}
	if c.Downloader.Path != "" && strings.TrimSpace(c.Downloader.Path) == "" {
		return ErrInvalidDownloaderPath
	}
	if c.Catalog.URL != "" && !strings.Contains(c.Catalog.URL, "://") {
		return &InvalidCatalogConfigError{Field: "catalog.url", Reason: "must be an absolute URL"}
	}
	if c.Catalog.CacheTTL < 0 {
		return &InvalidCatalogConfigError{Field: "catalog.cache_ttl", Reason: "must not be negative"}
	}
	return nil
}

// Secret resolves the downloader credential from the configured environment
// variable. Empty when unset.
func (c *Config) Secret() string {
	env := c.Catalog.SecretEnv
	if env == "" {
		env = DefaultSecretEnv
	}
	return os.Getenv(env)
}

// StatePath returns the location of the managed-state file inside the
// install root.
func (c *Config) StatePath() string {
	return filepath.Join(c.Root, "state.toml")
}
