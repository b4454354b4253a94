// Package config loads and validates relay configuration from YAML.
//
// Configuration files support ${VAR} environment variable expansion.
// Use LoadAndValidate for the full load → defaults → validate pipeline.
package config
