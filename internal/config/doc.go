// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so secrets such as transport.api_secret can stay out of the file.
package config
