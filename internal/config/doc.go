// Package config loads the watch client configuration.
//
// Settings come from a YAML file; ${VAR} references are expanded from the
// environment before parsing. Credentials never live in the file: they are
// read from HSM_TOKEN, HSM_SID and HSM_DATA_CENTER, optionally seeded from a
// .env file.
package config
