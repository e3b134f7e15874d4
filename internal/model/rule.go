package model

import (
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"
	"github.com/spf13/cast"
)

// Rule modes.
const (
	ModeBase  = "base"
	ModeToken = "token"
)

// ConfigurationPrefix marks options forwarded to the model provider.
const ConfigurationPrefix = "configuration_"

// Rule binds a source attribute, a target attribute and a strategy.
type Rule struct {
	ID        string         `json:"id" yaml:"id"`
	FieldName string         `json:"field_name" yaml:"field_name"`
	BaseField string         `json:"base_field" yaml:"base_field"`
	Type      string         `json:"rule" yaml:"rule"`
	Mode      string         `json:"mode,omitempty" yaml:"mode"`
	Prompt    string         `json:"prompt,omitempty" yaml:"prompt"`
	Token     string         `json:"token,omitempty" yaml:"token"`
	EditMode  bool           `json:"edit_mode,omitempty" yaml:"edit_mode"`
	Weight    int            `json:"weight,omitempty" yaml:"weight"`
	Provider  string         `json:"ai_provider,omitempty" yaml:"ai_provider"`
	Model     string         `json:"ai_model,omitempty" yaml:"ai_model"`
	Options   map[string]any `json:"options,omitempty" yaml:"options"`
}

// TokenMode reports whether the prompt comes from the token template.
func (r Rule) TokenMode() bool {
	return r.Mode == ModeToken
}

// Option returns a raw option value.
func (r Rule) Option(key string) any {
	if r.Options == nil {
		return nil
	}
	return r.Options[key]
}

// String returns an option cast to a string.
func (r Rule) String(key string) string {
	return cast.ToString(r.Option(key))
}

// StringOr returns an option cast to a string, or def when empty.
func (r Rule) StringOr(key, def string) string {
	if s := r.String(key); s != "" {
		return s
	}
	return def
}

// Bool returns an option cast to a bool.
func (r Rule) Bool(key string) bool {
	return cast.ToBool(r.Option(key))
}

// Int returns an option cast to an int.
func (r Rule) Int(key string) int {
	return cast.ToInt(r.Option(key))
}

// IntOr returns an option cast to an int, or def when unset.
func (r Rule) IntOr(key string, def int) int {
	if !r.HasOption(key) {
		return def
	}
	return cast.ToInt(r.Option(key))
}

// Float returns an option cast to a float64 and whether it was set.
func (r Rule) Float(key string) (float64, bool) {
	if !r.HasOption(key) {
		return 0, false
	}
	f, err := cast.ToFloat64E(r.Option(key))
	if err != nil {
		return 0, false
	}
	return f, true
}

// Strings returns an option cast to a string slice. Comma separated strings
// are split.
func (r Rule) Strings(key string) []string {
	v := r.Option(key)
	if s, ok := v.(string); ok {
		if s == "" {
			return nil
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return cast.ToStringSlice(v)
}

// HasOption reports whether the option is present and non-empty.
func (r Rule) HasOption(key string) bool {
	v := r.Option(key)
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// ProviderConfig returns the non-empty configuration_* options with the
// prefix stripped.
func (r Rule) ProviderConfig() map[string]any {
	out := make(map[string]any)
	for k, v := range r.Options {
		if !strings.HasPrefix(k, ConfigurationPrefix) {
			continue
		}
		if v == nil || v == "" || v == false {
			continue
		}
		out[strings.TrimPrefix(k, ConfigurationPrefix)] = v
	}
	return out
}

// DecodeOptions decodes the option bag into a typed struct using
// mapstructure tags, weakly typed so YAML strings map onto numbers and bools.
func (r Rule) DecodeOptions(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return eris.Wrap(err, "model: options decoder")
	}
	if err := dec.Decode(r.Options); err != nil {
		return eris.Wrapf(err, "model: decode options for rule %s", r.ID)
	}
	return nil
}
