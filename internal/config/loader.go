package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/workrun/internal/errors"
)

// LoadWithSources loads configuration with source tracking.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. User config (~/.workrun/config.yaml) - optional
//  3. Project config (<projectDir>/.workrun/config.yaml) - optional
//  4. Explicit config file (file, when not empty)
//  5. Environment variables (WORKRUN_*)
//
// The merged result is validated.
func LoadWithSources(projectDir, file string) (*TrackedConfig, error) {
	tc := NewTrackedConfig()

	userPath := filepath.Join(HomeDir(), ConfigFileName)
	if _, err := os.Stat(userPath); err == nil {
		if err := mergeFromFile(tc, userPath, SourceUser); err != nil {
			slog.Warn("failed to load user config", "path", userPath, "error", err)
		}
	}

	projectPath := filepath.Join(projectDir, WorkrunDir, ConfigFileName)
	if projectPath != userPath {
		if _, err := os.Stat(projectPath); err == nil {
			if err := mergeFromFile(tc, projectPath, SourceProject); err != nil {
				return nil, err // Project config errors are fatal
			}
		}
	}

	if file != "" {
		if err := mergeFromFile(tc, file, SourceFile); err != nil {
			return nil, err
		}
	}

	if _, err := ApplyEnvVars(tc); err != nil {
		return nil, err
	}

	if err := tc.Config.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}

// mergeFromFile decodes a YAML file over tc.Config. Keys absent from the file
// keep their current value; unknown keys are rejected.
func mergeFromFile(tc *TrackedConfig, path string, source ConfigSource) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(tc.Config); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		return errors.ConfigInvalid(path, "cannot decode file").WithCause(err)
	}

	// Parse again into a map to track which fields the file set
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.ConfigInvalid(path, "cannot decode file").WithCause(err)
	}
	for _, p := range leafPaths("", raw) {
		tc.SetSourceWithPath(p, source, path)
	}
	return nil
}

// leafPaths flattens nested maps into sorted dotted paths.
func leafPaths(prefix string, raw map[string]any) []string {
	var out []string
	for k, v := range raw {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			out = append(out, leafPaths(p, nested)...)
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
