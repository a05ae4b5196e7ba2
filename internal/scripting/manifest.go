package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/arena/internal/game/rules"
)

// Timeouts is a manifest's turn supervision override.
type Timeouts struct {
	Turn  time.Duration `yaml:"turn"`
	Grace time.Duration `yaml:"grace"`
}

// Manifest describes one Lua rule plugin.
//
// Precondition: ID and Script must be non-empty.
type Manifest struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	// Script is resolved relative to the manifest's directory.
	Script           string    `yaml:"script"`
	InstructionLimit int       `yaml:"instruction_limit"`
	Timeouts         *Timeouts `yaml:"timeouts"`
}

// Validate checks required fields.
//
// Postcondition: nil return guarantees a non-empty ID and Script and
// non-negative limits.
func (m *Manifest) Validate() error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if m.Script == "" {
		errs = append(errs, errors.New("script must not be empty"))
	}
	if m.InstructionLimit < 0 {
		errs = append(errs, fmt.Errorf("instruction_limit must be >= 0, got %d", m.InstructionLimit))
	}
	if m.Timeouts != nil {
		if m.Timeouts.Turn < 0 {
			errs = append(errs, fmt.Errorf("timeouts.turn must be >= 0, got %s", m.Timeouts.Turn))
		}
		if m.Timeouts.Grace < 0 {
			errs = append(errs, fmt.Errorf("timeouts.grace must be >= 0, got %s", m.Timeouts.Grace))
		}
	}
	return errors.Join(errs...)
}

// Policy converts the override, reporting false when the manifest has none.
func (m *Manifest) Policy() (rules.TimeoutPolicy, bool) {
	if m.Timeouts == nil {
		return rules.TimeoutPolicy{}, false
	}
	return rules.TimeoutPolicy{Turn: m.Timeouts.Turn, Grace: m.Timeouts.Grace}, true
}

// LoadManifest reads and validates the manifest at path. A relative Script
// is rewritten to an absolute path next to the manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating manifest %s: %w", path, err)
	}
	if !filepath.IsAbs(m.Script) {
		m.Script = filepath.Join(filepath.Dir(path), m.Script)
	}
	return &m, nil
}
