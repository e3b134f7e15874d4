package automator

import (
	"strconv"

	"github.com/markconroy/markie-sub000/internal/markup"
	"github.com/markconroy/markie-sub000/internal/model"
)

// Tokens maps token names to rendered values for one delta.
type Tokens map[string]string

// Merge copies other into t, overwriting existing names.
func (t Tokens) Merge(other Tokens) Tokens {
	for k, v := range other {
		t[k] = v
	}
	return t
}

// TokenExtender is implemented by strategies that add their own tokens on top
// of the base context tokens.
type TokenExtender interface {
	ExtraTokens(rec *model.Record, field model.FieldDefinition, rule model.Rule, delta int) Tokens
}

// BaseTokenHelp describes the tokens every strategy provides.
var BaseTokenHelp = map[string]string{
	"context":     "The cleaned text from the base field.",
	"raw_context": "The raw text from the base field. Can include HTML",
	"max_amount":  "The max amount of entries to set. If unlimited this value will be empty.",
}

// BuildTokens extracts the base tokens for one delta of the source
// attribute. It never fails: a missing or empty source yields empty values.
func BuildTokens(rec *model.Record, field model.FieldDefinition, rule model.Rule, delta int) Tokens {
	raw := ""
	values := rec.Get(rule.BaseField)
	if delta >= 0 && delta < len(values) {
		raw = values[delta].String("value")
	}
	maxAmount := ""
	if field.Cardinality != model.CardinalityUnlimited {
		maxAmount = strconv.Itoa(field.Cardinality)
	}
	return Tokens{
		"context":     markup.StripTags(raw),
		"raw_context": raw,
		"max_amount":  maxAmount,
	}
}
