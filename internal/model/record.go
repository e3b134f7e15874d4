package model

import (
	"encoding/json"

	"github.com/spf13/cast"
)

// Cardinality value for attributes without a limit.
const CardinalityUnlimited = -1

// Item is one value of an attribute (e.g. {"value": "x", "format": "basic_html"}).
type Item map[string]any

// Value returns the "value" property of the item.
func (i Item) Value() any {
	return i["value"]
}

// String returns the named property cast to a string.
func (i Item) String(key string) string {
	return cast.ToString(i[key])
}

// FieldDefinition describes an attribute on a record.
type FieldDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Type        string         `json:"type" yaml:"type"`
	Label       string         `json:"label,omitempty" yaml:"label"`
	Cardinality int            `json:"cardinality" yaml:"cardinality"`
	Required    bool           `json:"required,omitempty" yaml:"required"`
	Settings    map[string]any `json:"settings,omitempty" yaml:"settings"`
}

// Setting returns a raw setting value.
func (f FieldDefinition) Setting(key string) any {
	if f.Settings == nil {
		return nil
	}
	return f.Settings[key]
}

// SettingString returns a setting cast to a string.
func (f FieldDefinition) SettingString(key string) string {
	return cast.ToString(f.Setting(key))
}

// SettingInt returns a setting cast to an int.
func (f FieldDefinition) SettingInt(key string) int {
	return cast.ToInt(f.Setting(key))
}

// SettingBool returns a setting cast to a bool.
func (f FieldDefinition) SettingBool(key string) bool {
	return cast.ToBool(f.Setting(key))
}

// SettingStrings returns a setting cast to a string slice.
func (f FieldDefinition) SettingStrings(key string) []string {
	return cast.ToStringSlice(f.Setting(key))
}

// SettingMap returns a setting cast to a string keyed map.
func (f FieldDefinition) SettingMap(key string) map[string]any {
	return cast.ToStringMap(f.Setting(key))
}

// HasSetting reports whether the setting is present and non-empty.
func (f FieldDefinition) HasSetting(key string) bool {
	v := f.Setting(key)
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// Record is the structured content item being populated.
type Record struct {
	EntityType  string                     `json:"entity_type"`
	Bundle      string                     `json:"bundle"`
	ID          string                     `json:"id"`
	Owner       string                     `json:"owner,omitempty"`
	Fields      map[string][]Item          `json:"fields"`
	Definitions map[string]FieldDefinition `json:"definitions"`
	// Original holds the persisted values before this save, if any.
	Original map[string][]Item `json:"original,omitempty"`
}

// NewRecord creates an empty record of the given type and bundle.
func NewRecord(entityType, bundle string) *Record {
	return &Record{
		EntityType:  entityType,
		Bundle:      bundle,
		Fields:      make(map[string][]Item),
		Definitions: make(map[string]FieldDefinition),
	}
}

// Get returns the values of an attribute. Missing attributes yield nil.
func (r *Record) Get(name string) []Item {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// Set replaces the values of an attribute.
func (r *Record) Set(name string, items []Item) {
	if r.Fields == nil {
		r.Fields = make(map[string][]Item)
	}
	r.Fields[name] = items
}

// Has reports whether the record defines or holds the attribute.
func (r *Record) Has(name string) bool {
	if _, ok := r.Definitions[name]; ok {
		return true
	}
	_, ok := r.Fields[name]
	return ok
}

// Definition returns the attribute definition. Undefined attributes get a
// single-valued string definition.
func (r *Record) Definition(name string) FieldDefinition {
	if def, ok := r.Definitions[name]; ok {
		if def.Name == "" {
			def.Name = name
		}
		if def.Cardinality == 0 {
			def.Cardinality = 1
		}
		return def
	}
	return FieldDefinition{Name: name, Type: "string", Cardinality: 1}
}

// Define adds or replaces an attribute definition.
func (r *Record) Define(def FieldDefinition) {
	if r.Definitions == nil {
		r.Definitions = make(map[string]FieldDefinition)
	}
	r.Definitions[def.Name] = def
}

// IsNew reports whether the record has never been persisted.
func (r *Record) IsNew() bool {
	return r.Original == nil
}

// Changed reports whether the attribute differs from the persisted values.
// New records always count as changed.
func (r *Record) Changed(name string) bool {
	if r.Original == nil {
		return true
	}
	current, err := json.Marshal(r.Get(name))
	if err != nil {
		return true
	}
	original, err := json.Marshal(r.Original[name])
	if err != nil {
		return true
	}
	return string(current) != string(original)
}

// IsEmpty reports whether a value list holds nothing: no items, or an empty
// first item. Any populated first item counts, even a zero value.
func IsEmpty(items []Item) bool {
	return len(items) == 0 || len(items[0]) == 0
}
