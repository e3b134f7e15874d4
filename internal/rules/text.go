package rules

import (
	"context"
	"encoding/json"
	"net/mail"
	"regexp"
	"strings"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

// scalarText reads a candidate as text. Numbers are accepted, anything
// structured is not.
func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64, int, int64, json.Number:
		return cast.ToString(t), true
	}
	return "", false
}

// joinValues collapses all values into one when the rule sets a joiner.
func joinValues(values []any, rule model.Rule) []any {
	if !rule.HasOption("joiner") || len(values) < 2 {
		return values
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		s, _ := scalarText(v)
		parts = append(parts, s)
	}
	return []any{strings.Join(parts, automator.Joiner(rule))}
}

type stringRule struct {
	automator.Base
}

func newString(d Deps, id, title string) *stringRule {
	return &stringRule{Base: automator.NewBase(d.Env, id, title)}
}

func (s *stringRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, automator.DefaultFormat)
}

func (s *stringRule) Verify(_ context.Context, _ *model.Record, value any, field model.FieldDefinition, _ model.Rule) bool {
	text, ok := scalarText(value)
	if !ok || strings.TrimSpace(text) == "" {
		return false
	}
	if limit := field.SettingInt("max_length"); limit > 0 && len([]rune(text)) > limit {
		return false
	}
	return true
}

func (s *stringRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	trimmed := make([]any, 0, len(values))
	for _, v := range values {
		text, _ := scalarText(v)
		trimmed = append(trimmed, strings.TrimSpace(text))
	}
	return s.Base.Store(ctx, rec, joinValues(trimmed, rule), field, rule)
}

// formattedRule stores text together with a text format.
type formattedRule struct {
	automator.Base
}

func newFormatted(d Deps, id, title string) *formattedRule {
	return &formattedRule{Base: automator.NewBase(d.Env, id, title)}
}

func (s *formattedRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, automator.DefaultFormat)
}

func (s *formattedRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	text, ok := scalarText(value)
	return ok && strings.TrimSpace(text) != ""
}

func (s *formattedRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	format := automator.TextFormat(field, rule)
	items := make([]model.Item, 0, len(values))
	for _, v := range joinValues(values, rule) {
		text, _ := scalarText(v)
		items = append(items, model.Item{"value": text, "format": format})
	}
	rec.Set(field.Name, items)
	return nil
}

type emailRule struct {
	automator.Base
}

func newEmail(d Deps) *emailRule {
	return &emailRule{Base: automator.NewBase(d.Env, "llm_email", "LLM: Email")}
}

func (s *emailRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, `[{"value": "name@example.com"}]`)
}

// Verify accepts a bare address only; display names are rejected.
func (s *emailRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	text, ok := value.(string)
	if !ok {
		return false
	}
	addr, err := mail.ParseAddress(text)
	return err == nil && addr.Address == text
}

var telephoneRe = regexp.MustCompile(`^\+\(?[0-9]{1,3}\)?[ ]?[0-9]{6,12}$`)

type telephoneRule struct {
	automator.Base
}

func newTelephone(d Deps) *telephoneRule {
	return &telephoneRule{Base: automator.NewBase(d.Env, "llm_telephone", "LLM: Telephone")}
}

func (s *telephoneRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule,
		`[{"value": "The telephone number in international format, e.g. +46 701234567"}]`)
}

func (s *telephoneRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	text, ok := value.(string)
	return ok && telephoneRe.MatchString(text)
}

type faqRule struct {
	automator.Base
}

func newFAQ(d Deps) *faqRule {
	return &faqRule{Base: automator.NewBase(d.Env, "llm_faq", "LLM: FAQ")}
}

func (s *faqRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule,
		`[{"value": {"question": "The question", "answer": "The answer"}}]`)
}

func (s *faqRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	return cast.ToString(m["question"]) != "" && cast.ToString(m["answer"]) != ""
}

func (s *faqRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		m, _ := v.(map[string]any)
		items = append(items, model.Item{
			"question": cast.ToString(m["question"]),
			"answer":   cast.ToString(m["answer"]),
		})
	}
	rec.Set(field.Name, items)
	return nil
}

type jsonFieldRule struct {
	automator.Base
}

func newJSONField(d Deps) *jsonFieldRule {
	return &jsonFieldRule{Base: automator.NewBase(d.Env, "llm_json_field", "LLM: JSON Field")}
}

func (s *jsonFieldRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, `[{"value": {"the": "requested json"}}]`)
}

// Verify accepts structured values and strings holding valid JSON.
func (s *jsonFieldRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := encodeJSONValue(value)
	return ok
}

func (s *jsonFieldRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		text, _ := encodeJSONValue(v)
		items = append(items, model.Item{"value": text})
	}
	rec.Set(field.Name, items)
	return nil
}

func encodeJSONValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if !gjson.Valid(t) {
			return "", false
		}
		return t, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}
