package model

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ReadRules reads automation rules from a YAML file with a top-level
// "rules" list.
func ReadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read rules %s", path)
	}

	var wrapper struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "model: parse rules %s", path)
	}

	seen := make(map[string]bool, len(wrapper.Rules))
	for i, r := range wrapper.Rules {
		if r.ID == "" {
			return nil, eris.Errorf("model: rule %d in %s has no id", i, path)
		}
		if seen[r.ID] {
			return nil, eris.Errorf("model: duplicate rule id %s in %s", r.ID, path)
		}
		seen[r.ID] = true
		if r.FieldName == "" || r.Type == "" {
			return nil, eris.Errorf("model: rule %s needs field_name and rule", r.ID)
		}
		if r.Mode == "" {
			wrapper.Rules[i].Mode = ModeBase
		}
	}
	return wrapper.Rules, nil
}

// ReadRecord reads a record from a JSON file.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read record %s", path)
	}
	rec := NewRecord("", "")
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, eris.Wrapf(err, "model: parse record %s", path)
	}
	if rec.EntityType == "" {
		return nil, eris.Errorf("model: record %s has no entity_type", path)
	}
	return rec, nil
}

// WriteRecord writes a record as indented JSON.
func WriteRecord(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return eris.Wrap(err, "model: encode record")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "model: write record %s", path)
	}
	return nil
}
