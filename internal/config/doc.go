// Package config loads, validates, and normalizes the Loom configuration.
//
// Configuration lives in a TOML file (default ~/.config/loom/config.toml) and
// every field has a working default so a daemon can start with nothing but a
// signing secret. Path fields are expanded (~ and relative paths) during
// normalization; validation rejects unusable values with messages that name
// the exact TOML key.
package config
