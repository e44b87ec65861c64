package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ObjectiveSpec names one scoring dimension and its weight in the final
// composite score. The YAML loader mirrors the teacher's
// LoadNLPConfig/NLPConfig pair (config/nlp.go), repurposed here for the
// optimization driver's scorer weights instead of transcript-cleanup
// prompts.
type ObjectiveSpec struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// DefaultObjectives is used whenever no ObjectivesPath is configured or
// the configured file lists no objectives. Job payloads cannot name
// objectives; the default driver reads them only from this config.
func DefaultObjectives() []ObjectiveSpec {
	return []ObjectiveSpec{
		{Name: "brevity", Weight: 1},
		{Name: "diversity", Weight: 1},
	}
}

// LoadObjectives reads a YAML document of the shape:
//
//	objectives:
//	  - name: brevity
//	    weight: 1.0
//	  - name: diversity
//	    weight: 0.5
//
// and falls back to DefaultObjectives if path is empty.
func LoadObjectives(path string) ([]ObjectiveSpec, error) {
	if path == "" {
		return DefaultObjectives(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read objectives: %w", err)
	}
	var parsed struct {
		Objectives []ObjectiveSpec `yaml:"objectives"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config: parse objectives: %w", err)
	}
	if len(parsed.Objectives) == 0 {
		return DefaultObjectives(), nil
	}
	return parsed.Objectives, nil
}
