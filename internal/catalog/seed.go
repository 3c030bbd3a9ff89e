package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

// SeedFile is the YAML layout of a catalog seed
type SeedFile struct {
	Templates []automation.Template `yaml:"templates"`
	Rules     []automation.Rule     `yaml:"rules"`
}

// LoadSeedFile reads a YAML seed and stores its templates and rules.
// Entries whose id already exists are updated in place.
func (s *Service) LoadSeedFile(ctx context.Context, path string) (*SeedResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return s.LoadSeed(ctx, data)
}

// LoadSeed stores the templates and rules of a YAML seed document
func (s *Service) LoadSeed(ctx context.Context, data []byte) (*SeedResult, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	result := &SeedResult{}
	for _, tmpl := range seed.Templates {
		var err error
		if _, getErr := s.store.GetTemplate(ctx, tmpl.ID); tmpl.ID != "" && getErr == nil {
			_, err = s.UpdateTemplate(ctx, tmpl.ID, tmpl)
		} else {
			_, err = s.CreateTemplate(ctx, tmpl)
		}
		if err != nil {
			return result, fmt.Errorf("template %q: %w", tmpl.Name, err)
		}
		result.Templates++
	}

	for _, rule := range seed.Rules {
		var err error
		existing, getErr := s.store.GetRule(ctx, rule.ID)
		switch {
		case rule.ID != "" && getErr == nil:
			_, err = s.UpdateRule(ctx, rule.ID, rule)
			if err == nil && existing.Enabled != rule.Enabled {
				_, err = s.SetRuleEnabled(ctx, rule.ID, rule.Enabled)
			}
		case getErr == nil || errors.Is(getErr, automation.ErrNotFound):
			_, err = s.CreateRule(ctx, rule)
		default:
			err = getErr
		}
		if err != nil {
			return result, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		result.Rules++
	}

	return result, nil
}

// SeedResult counts what LoadSeedFile stored
type SeedResult struct {
	Rules     int `json:"rules"`
	Templates int `json:"templates"`
}

func (r SeedResult) String() string {
	return fmt.Sprintf("%d rules, %d templates", r.Rules, r.Templates)
}
