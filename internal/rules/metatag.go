package rules

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cast"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

const (
	tagValuePrefix   = "llm_tag_value_"
	tagExamplePrefix = "llm_tag_example_"
)

// metatagRule fills a JSON encoded tag map. A stored map counts as empty
// while any configured tag is missing from it.
type metatagRule struct {
	automator.Base
}

func newMetatag(d Deps) *metatagRule {
	return &metatagRule{Base: automator.NewBase(d.Env, "llm_metatag", "LLM: Metatag")}
}

// configuredTags returns the tag instructions and examples set on the rule.
func configuredTags(rule model.Rule) (tags, examples map[string]string) {
	tags, examples = map[string]string{}, map[string]string{}
	for k := range rule.Options {
		if !strings.HasPrefix(k, tagValuePrefix) || !rule.HasOption(k) {
			continue
		}
		tag := strings.TrimPrefix(k, tagValuePrefix)
		tags[tag] = rule.String(k)
		examples[tag] = rule.String(tagExamplePrefix + tag)
	}
	return tags, examples
}

func (s *metatagRule) CheckIfEmpty(current []model.Item, rule model.Rule) []model.Item {
	if model.IsEmpty(current) || current[0].String("value") == "" {
		return nil
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(current[0].String("value")), &stored); err != nil {
		return nil
	}
	tags, _ := configuredTags(rule)
	names := make([]string, 0, len(tags))
	for t := range tags {
		names = append(names, t)
	}
	sort.Strings(names)
	for _, t := range names {
		if cast.ToString(stored[t]) == "" {
			return nil
		}
	}
	return current
}

func (s *metatagRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	tags, examples := configuredTags(rule)
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, eris.Wrap(err, "rules: encode metatags")
	}
	exampleJSON, err := json.Marshal(examples)
	if err != nil {
		return nil, eris.Wrap(err, "rules: encode metatag examples")
	}
	suffix := automator.JSONInstruction + `[{"value":` + string(tagJSON) + `}]` +
		"\n\nExample of one row:\n" + `[{"value":` + string(exampleJSON) + `}]` + "\n"

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

func (s *metatagRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := value.(map[string]any)
	return ok
}

// Store keeps the first tag map only, JSON encoded.
func (s *metatagRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	if len(values) == 0 {
		return nil
	}
	b, err := json.Marshal(values[0])
	if err != nil {
		return eris.Wrap(err, "rules: encode metatag values")
	}
	rec.Set(field.Name, []model.Item{{"value": string(b)}})
	return nil
}
