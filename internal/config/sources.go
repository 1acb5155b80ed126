package config

import "fmt"

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates a built-in default value.
	SourceDefault ConfigSource = "default"
	// SourceUser indicates the user config (~/.workrun/config.yaml).
	SourceUser ConfigSource = "user"
	// SourceProject indicates the project config (.workrun/config.yaml).
	SourceProject ConfigSource = "project"
	// SourceFile indicates a config file named on the command line.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates an environment variable override.
	SourceEnv ConfigSource = "env"
	// SourceFlag indicates a CLI flag override.
	SourceFlag ConfigSource = "flag"
)

// TrackedSource contains both the source type and the file path.
type TrackedSource struct {
	Source ConfigSource
	Path   string // File path or empty for defaults/env
}

// String returns a human-readable source description.
func (ts TrackedSource) String() string {
	if ts.Path == "" {
		return string(ts.Source)
	}
	return fmt.Sprintf("%s: %s", ts.Source, ts.Path)
}

// TrackedConfig wraps a Config with source tracking.
type TrackedConfig struct {
	// Config is the merged configuration.
	Config *Config

	// Sources maps dotted config paths such as "retry.max_attempts" to where
	// their value came from.
	Sources map[string]TrackedSource
}

// NewTrackedConfig creates a new TrackedConfig with defaults.
func NewTrackedConfig() *TrackedConfig {
	return &TrackedConfig{
		Config:  Default(),
		Sources: make(map[string]TrackedSource),
	}
}

// SetSource records the source for a config path.
func (tc *TrackedConfig) SetSource(path string, source ConfigSource) {
	tc.Sources[path] = TrackedSource{Source: source}
}

// SetSourceWithPath records the source and file path for a config path.
func (tc *TrackedConfig) SetSourceWithPath(path string, source ConfigSource, filePath string) {
	tc.Sources[path] = TrackedSource{Source: source, Path: filePath}
}

// GetSource returns the source for a config path.
// Returns SourceDefault if no source is recorded.
func (tc *TrackedConfig) GetSource(path string) ConfigSource {
	return tc.GetTrackedSource(path).Source
}

// GetTrackedSource returns the full source info for a config path.
func (tc *TrackedConfig) GetTrackedSource(path string) TrackedSource {
	if ts, ok := tc.Sources[path]; ok {
		return ts
	}
	return TrackedSource{Source: SourceDefault}
}
