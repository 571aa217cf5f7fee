// Package config loads the starkd configuration from a YAML (or JSON) file,
// fills in defaults for every unset value and validates driver selections
// against the connection settings they depend on.
package config
