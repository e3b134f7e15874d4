package rules

import (
	"context"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

const (
	enablePrefix   = "entity_field_enable_"
	generatePrefix = "entity_field_generate_"
)

var formattedTypes = map[string]bool{
	"text":              true,
	"text_long":         true,
	"text_with_summary": true,
}

// entityReferenceRule creates new target records from generated field maps
// and references them.
type entityReferenceRule struct {
	automator.Base
	entities EntityStore
	actor    string
}

func newEntityReference(d Deps) *entityReferenceRule {
	return &entityReferenceRule{
		Base:     automator.NewBase(d.Env, "llm_entity_reference", "LLM: Entity Reference"),
		entities: d.Entities,
		actor:    d.Actor,
	}
}

// enabledFields returns the `"field": "prompt"` pairs of every enabled
// target field, ordered by field name.
func enabledFields(rule model.Rule) []string {
	var names []string
	for k := range rule.Options {
		if strings.HasPrefix(k, enablePrefix) && rule.Bool(k) {
			names = append(names, strings.TrimPrefix(k, enablePrefix))
		}
	}
	sort.Strings(names)
	configs := make([]string, 0, len(names))
	for _, f := range names {
		configs = append(configs, `"`+f+`": "`+rule.String(generatePrefix+f)+`"`)
	}
	return configs
}

func (s *entityReferenceRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	suffix := "\n\nDo not include any explanations, only provide a RFC8259 compliant JSON response following this format without deviation with one to many objects in it depending one what is requested:\n" +
		`[{"value":{` + strings.Join(enabledFields(rule), ", ") + `}}]`
	var total []any
	for _, prompt := range automator.Prompts(s, rec, field, rule, s.Renderer) {
		values, err := s.ChatValues(ctx, rec, rule, prompt+suffix)
		if err != nil {
			return nil, err
		}
		total = append(total, values...)
	}
	return total, nil
}

func (s *entityReferenceRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := value.(map[string]any)
	return ok
}

func (s *entityReferenceRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	if err := requireDep(s.entities != nil, "entity store"); err != nil {
		return err
	}
	targetType := field.SettingString("target_type")
	if targetType == "" {
		targetType = "node"
	}
	fieldTypes := cast.ToStringMapString(field.Setting("target_field_types"))
	format := automator.TextFormat(field, rule)

	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		m, _ := v.(map[string]any)
		fields := make(map[string][]model.Item, len(m))
		for name, val := range m {
			item := model.Item{"value": val}
			if formattedTypes[fieldTypes[name]] {
				item["format"] = format
			}
			fields[name] = []model.Item{item}
		}
		created, err := s.entities.CreateEntity(ctx, model.Entity{
			EntityType: targetType,
			Bundle:     rule.String("entity_reference_bundle"),
			Owner:      s.actor,
			Fields:     fields,
		})
		if err != nil {
			return err
		}
		items = append(items, model.Item{"target_id": created.ID})
	}
	rec.Set(field.Name, items)
	return nil
}
