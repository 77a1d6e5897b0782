// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with TOML as
// the file format.
//
// Configuration is loaded from ~/.config/depotdock/config.toml (or the XDG
// equivalent on Linux, ~/Library/Application Support/depotdock/config.toml
// on macOS, %APPDATA%\depotdock\config.toml on Windows). Every key can also
// be supplied through the environment with a DEPOTDOCK_ prefix, so
// DEPOTDOCK_CATALOG_URL overrides catalog.url. The package provides
// type-safe access to the managed install root, downloader invocation
// settings, and catalog connection settings.
package config
