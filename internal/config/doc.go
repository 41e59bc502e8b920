// Package config loads the cosignd runtime configuration from a JSON file and
// fills in defaults, resolving relative paths against the file's directory.
package config
