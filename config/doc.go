// Package config provides configuration management for the batch manager.
//
// It loads configuration from defaults, an optional YAML file, and
// environment variables (prefixed plus a set of legacy unprefixed aliases),
// and offers file-watch driven hot reload of a safe subset of fields.
package config
