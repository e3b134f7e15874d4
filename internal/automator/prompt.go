package automator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/markconroy/markie-sub000/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Compile renders a prompt template. Placeholders are written as
// {{ name }}; names without a value render as the empty string. The delta is
// available as {{ delta }} unless the tokens define it.
func Compile(template string, tokens Tokens, delta int) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := tokens[name]; ok {
			return v
		}
		if name == "delta" {
			return strconv.Itoa(delta)
		}
		return ""
	})
}

// TokenRenderer renders a token-mode template against a whole record.
type TokenRenderer interface {
	Render(template string, rec *model.Record) string
}

// RecordTokenRenderer replaces [record:...] and [user:...] tokens.
//
//	[record:id] [record:bundle] [record:type]
//	[record:<field>]          first value of the field
//	[record:<field>:<delta>]  value at delta
//	[record:<field>:<delta>:<property>]
//	[user:id]                 current actor
type RecordTokenRenderer struct {
	Actor string
}

var recordTokenRe = regexp.MustCompile(`\[(record|user):([^\[\]\s]+)\]`)

// Render implements TokenRenderer. Unknown tokens render as the empty string.
func (r RecordTokenRenderer) Render(template string, rec *model.Record) string {
	return recordTokenRe.ReplaceAllStringFunc(template, func(m string) string {
		parts := recordTokenRe.FindStringSubmatch(m)
		scope, path := parts[1], strings.Split(parts[2], ":")
		if scope == "user" {
			if path[0] == "id" {
				return r.Actor
			}
			return ""
		}
		switch path[0] {
		case "id":
			return rec.ID
		case "bundle":
			return rec.Bundle
		case "type":
			return rec.EntityType
		}
		values := rec.Get(path[0])
		delta, prop := 0, "value"
		if len(path) > 1 {
			n, err := strconv.Atoi(path[1])
			if err != nil {
				return ""
			}
			delta = n
		}
		if len(path) > 2 {
			prop = path[2]
		}
		if delta < 0 || delta >= len(values) {
			return ""
		}
		return values[delta].String(prop)
	})
}

// Prompts renders the prompts for a rule: a single token-mode prompt, or one
// prompt per source delta. Strategies that do not need a prompt get none.
func Prompts(s Strategy, rec *model.Record, field model.FieldDefinition, rule model.Rule, renderer TokenRenderer) []string {
	if rule.TokenMode() && renderer != nil {
		return []string{renderer.Render(rule.Token, rec)}
	}
	if !s.NeedsPrompt() {
		return nil
	}
	values := rec.Get(rule.BaseField)
	prompts := make([]string, 0, len(values))
	for i := range values {
		tokens := BuildTokens(rec, field, rule, i)
		if ext, ok := s.(TokenExtender); ok {
			tokens.Merge(ext.ExtraTokens(rec, field, rule, i))
		}
		prompts = append(prompts, Compile(rule.Prompt, tokens, i))
	}
	return prompts
}
