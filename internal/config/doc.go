// Package config loads and validates daemon configuration from the
// environment.
package config
