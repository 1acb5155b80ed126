// Package definition reads workflow run definitions from YAML files.
package definition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/workrun/internal/run"
)

// Version is the current definition format version.
const Version = 1

// Definition describes a workflow run to create.
type Definition struct {
	// Version is the format version (currently 1). Zero is read as 1.
	Version int `yaml:"version"`

	WorkflowID string            `yaml:"workflow_id"`
	IssueKey   string            `yaml:"issue_key,omitempty"`
	Seeds      map[string]string `yaml:"seeds,omitempty"`

	// GitRefs is the pool of repositories steps may use. Relative repo paths
	// are resolved against the directory of the definition file.
	GitRefs    []run.GitRef       `yaml:"git_refs,omitempty"`
	McpServers []run.McpServerRef `yaml:"mcp_servers,omitempty"`

	// Steps are executed in order; their sequence is their position.
	Steps []run.WorkNodeConfig `yaml:"steps"`
}

// Params converts the definition into run creation params.
func (d *Definition) Params() run.NewRunParams {
	return run.NewRunParams{
		WorkflowID:       d.WorkflowID,
		IssueKey:         d.IssueKey,
		SeedValues:       d.Seeds,
		GitRefPool:       d.GitRefs,
		McpServerRefPool: d.McpServers,
		WorkNodeConfigs:  d.Steps,
	}
}

// Parse reads and parses a definition file.
func Parse(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	d, err := ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve definition directory: %w", err)
	}
	for i := range d.GitRefs {
		if !filepath.IsAbs(d.GitRefs[i].RepoPath) {
			d.GitRefs[i].RepoPath = filepath.Join(base, d.GitRefs[i].RepoPath)
		}
	}
	return d, nil
}

// ParseBytes parses definition content. Field-level validation is left to
// run creation; only the format is checked here.
func ParseBytes(data []byte) (*Definition, error) {
	var d Definition
	if err := decodeStrict(data, &d); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if d.Version == 0 {
		d.Version = Version
	}
	if d.Version != Version {
		return nil, fmt.Errorf("unsupported definition version %d (want %d)", d.Version, Version)
	}
	if len(d.Steps) == 0 {
		return nil, fmt.Errorf("definition has no steps")
	}
	return &d, nil
}

// ParseStep reads a single step config, as used when adding or replacing a
// step of an existing run.
func ParseStep(path string) (run.WorkNodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return run.WorkNodeConfig{}, fmt.Errorf("read step: %w", err)
	}
	var cfg run.WorkNodeConfig
	if err := decodeStrict(data, &cfg); err != nil {
		return run.WorkNodeConfig{}, fmt.Errorf("parse step %s: %w", path, err)
	}
	return cfg, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}
