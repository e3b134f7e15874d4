package rules

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

const (
	moderationReasoningSuffix = "\n\nAlso provide a 1 to 4 sentence reason for choosing the moderation state. Do not include any explanations outside of the reasoning, only provide a RFC8259 compliant JSON response following this format without deviation.\n" +
		"[{\"value\": {\"state\": \"the state name\", \"reasoning\": \"the reasoning for your choice\"}}]\n"
	moderationStateSuffix = automator.JSONInstruction + "[{\"value\": {\"state\": \"the state name\"}}]\n"
)

var wordRe = regexp.MustCompile(`[\pL\pN_-]+`)

// moderationRule moves a record between workflow states. In simple mode
// the model answers in prose and the state is picked by word match.
type moderationRule struct {
	automator.Base
}

func newModeration(d Deps) *moderationRule {
	return &moderationRule{Base: automator.NewBase(d.Env, "llm_moderation_state", "LLM: Moderation State")}
}

func (s *moderationRule) RuleIsAllowed(_ *model.Record, field model.FieldDefinition) bool {
	return field.Name == "moderation_state"
}

func (s *moderationRule) AllowedInputs() []string {
	return append([]string{"moderation_state"}, automator.TextInputs...)
}

// moderationStates returns the workflow state keys of the field, sorted.
func moderationStates(field model.FieldDefinition) []string {
	m := field.SettingMap("states")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *moderationRule) ExtraTokens(_ *model.Record, field model.FieldDefinition, _ model.Rule, _ int) automator.Tokens {
	tokens := automator.Tokens{}
	for _, k := range moderationStates(field) {
		tokens[k] = k
	}
	return tokens
}

// CheckIfEmpty lets the rule run while the record sits in one of the
// trigger states.
func (s *moderationRule) CheckIfEmpty(current []model.Item, rule model.Rule) []model.Item {
	triggers := rule.Strings("trigger_states")
	if len(triggers) == 0 || model.IsEmpty(current) {
		return current
	}
	state := current[0].String("value")
	for _, t := range triggers {
		if t == state {
			return nil
		}
	}
	return current
}

func (s *moderationRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	simple := rule.Bool("use_simple_model")
	suffix := moderationStateSuffix
	if rule.String("store_explanation") != "" {
		suffix = moderationReasoningSuffix
	}
	var total []any
	for _, prompt := range automator.Prompts(s, rec, field, rule, s.Renderer) {
		if simple {
			text, err := s.RawChat(ctx, rec, rule, prompt)
			if err != nil {
				return nil, err
			}
			total = append(total, strings.TrimSpace(text))
			continue
		}
		values, err := s.ChatValues(ctx, rec, rule, prompt+suffix)
		if err != nil {
			return nil, err
		}
		total = append(total, values...)
	}
	return total, nil
}

func (s *moderationRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	switch v := value.(type) {
	case string:
		return v != ""
	case map[string]any:
		return cast.ToString(v["state"]) != ""
	}
	return false
}

// allowedStates returns the states the rule may move to: the lookup option,
// or every state of the field.
func allowedStates(field model.FieldDefinition, rule model.Rule) []string {
	if lookup := rule.Strings("trigger_lookup"); len(lookup) > 0 {
		return lookup
	}
	return moderationStates(field)
}

// Store walks every value. In simple mode the allowed states are checked in
// lookup order against the words of the answer and the last match wins, so
// a later state in the lookup beats an earlier one.
func (s *moderationRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	explanation := rule.String("store_explanation")
	allowed := allowedStates(field, rule)

	for _, value := range values {
		switch v := value.(type) {
		case string:
			if explanation != "" {
				rec.Set(explanation, []model.Item{{"value": v}})
			}
			words := map[string]bool{}
			for _, w := range wordRe.FindAllString(strings.ReplaceAll(v, ".", ""), -1) {
				words[w] = true
			}
			for _, state := range allowed {
				if words[state] {
					rec.Set(field.Name, []model.Item{{"value": state}})
				}
			}
		case map[string]any:
			if explanation != "" {
				rec.Set(explanation, []model.Item{{"value": cast.ToString(v["reasoning"])}})
			}
			state := cast.ToString(v["state"])
			for _, a := range allowed {
				if a == state {
					rec.Set(field.Name, []model.Item{{"value": state}})
					break
				}
			}
		}
	}
	return nil
}
