// Package config provides configuration loading and validation for the live
// classification service. Configuration is YAML with per-section validation;
// classifier endpoint and key can be overridden from the environment or a
// .env file.
package config
