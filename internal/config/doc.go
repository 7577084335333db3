// Package config loads the bsmd configuration file (YAML or JSON), applies
// defaults and environment overrides, and validates driver selections.
package config
