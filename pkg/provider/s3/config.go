// Package s3 implements an artifact sink for AWS S3 and S3-compatible storage.
package s3

import "strings"

// Config configures an S3 sink.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// Region handling:
//   - Explicit Region, then environment/profile.
//   - With DiscoverRegion, an instance running on EC2 asks the instance
//     metadata service next. GPU hosts are often EC2 instances without a
//     configured region.
//   - For AWS S3 the final fallback is us-east-1. When Endpoint is set no
//     default region is applied.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`

	// Prefix is prepended to every key.
	Prefix string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`

	// Region is the AWS region.
	Region string `mapstructure:"region" yaml:"region" json:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// Profile is the AWS profile name to use from shared config.
	Profile string `mapstructure:"profile" yaml:"profile" json:"profile"`

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string `mapstructure:"access_key_id" yaml:"access_key_id" json:"access_key_id"`

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key" json:"secret_access_key"`

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style" json:"force_path_style"`

	// DiscoverRegion asks EC2 instance metadata for the region when none
	// is configured.
	DiscoverRegion bool `mapstructure:"discover_region" yaml:"discover_region" json:"discover_region"`
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	// If one explicit credential is set, both must be set
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
