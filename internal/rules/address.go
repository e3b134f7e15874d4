package rules

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cast"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

const addressSuffix = "\n\nDo not make up any data, only transfer data that is in the original context. Do not include any explanations, do not provide any markup just pure json, do not format the output with any surroundings, only provide a RFC8259 compliant JSON response following this format without deviation. :\n"

// addressFields lists the address components in prompt order.
var addressFields = [][2]string{
	{"given_name", "First name"},
	{"additional_name", "Middle name"},
	{"family_name", "Last name"},
	{"organization", "Company"},
	{"address_line1", "Street address"},
	{"address_line2", "Street address line 2"},
	{"address_line3", "Street address line 3"},
	{"postal_code", "Postal code"},
	{"sorting_code", "Cedex"},
	{"dependent_locality", "Neighborhood"},
	{"locality", "City"},
	{"administrative_area", "State"},
}

type addressRule struct {
	automator.Base
}

func newAddress(d Deps) *addressRule {
	return &addressRule{Base: automator.NewBase(d.Env, "llm_address", "LLM: Address")}
}

// addressLayout returns the components to request and which of them are
// required, honoring the field's overrides.
func addressLayout(field model.FieldDefinition) (fields [][2]string, required map[string]bool) {
	required = map[string]bool{}
	used := map[string]bool{}
	for _, f := range field.SettingStrings("fields") {
		used[f] = true
	}
	overrides := field.SettingMap("field_overrides")
	for _, f := range addressFields {
		override := cast.ToString(cast.ToStringMap(overrides[f[0]])["override"])
		if override == "hidden" {
			continue
		}
		if len(used) > 0 && !used[f[0]] && override == "" {
			continue
		}
		if override == "required" {
			required[f[0]] = true
		}
		fields = append(fields, f)
	}
	return fields, required
}

// addressFormat renders the example answer. Keys keep their declared
// order, so the document is written by hand.
func addressFormat(field model.FieldDefinition) string {
	fields, required := addressLayout(field)
	lines := []string{`        "country_code": "The 2 letters based country code in ISO 3166-1 alpha-2 format (required)"`}
	for _, f := range fields {
		desc := f[1]
		if required[f[0]] {
			desc += " (required)"
		}
		k, _ := json.Marshal(f[0])
		v, _ := json.Marshal(desc)
		lines = append(lines, "        "+string(k)+": "+string(v))
	}
	return "[\n    {\n" + strings.Join(lines, ",\n") + "\n    }\n]"
}

func (s *addressRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	suffix := addressSuffix + addressFormat(field)
	var total []any
	for _, prompt := range automator.Prompts(s, rec, field, rule, s.Renderer) {
		text, err := s.RawChat(ctx, rec, rule, prompt+suffix)
		if err != nil {
			return nil, err
		}
		parsed, ok := automator.ParseLenient(text)
		if !ok {
			return nil, automator.NewResponseError("could not parse the address response", text, nil)
		}
		if parsed.IsObject() {
			total = append(total, parsed.Value())
			continue
		}
		for _, item := range parsed.Array() {
			total = append(total, item.Value())
		}
	}
	return total, nil
}

func (s *addressRule) Verify(_ context.Context, _ *model.Record, value any, field model.FieldDefinition, _ model.Rule) bool {
	m, ok := value.(map[string]any)
	if !ok || cast.ToString(m["country_code"]) == "" {
		return false
	}
	_, required := addressLayout(field)
	for name := range required {
		if cast.ToString(m[name]) == "" {
			return false
		}
	}
	return true
}

func (s *addressRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		m, _ := v.(map[string]any)
		item := model.Item{"country_code": cast.ToString(m["country_code"])}
		for _, f := range addressFields {
			if val, ok := m[f[0]]; ok {
				item[f[0]] = cast.ToString(val)
			}
		}
		items = append(items, item)
	}
	rec.Set(field.Name, items)
	return nil
}
