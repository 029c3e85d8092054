package circulation

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Condition is the physical state of a book at return time.
type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionDamaged Condition = "damaged"
)

// conditionAliases maps folded desk input to a condition. Keys are
// lower-cased with accents stripped.
var conditionAliases = map[string]Condition{
	"":        ConditionGood,
	"good":    ConditionGood,
	"ok":      ConditionGood,
	"bueno":   ConditionGood,
	"damaged": ConditionDamaged,
	"damage":  ConditionDamaged,
	"danado":  ConditionDamaged,
}

// foldCondition lower-cases s and drops combining marks, so "Dañado" and
// "DANADO" both become "danado". Transformers are stateful, so each call
// builds its own.
func foldCondition(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		out = strings.TrimSpace(s)
	}
	return cases.Fold().String(out)
}

// ParseCondition accepts the canonical names plus the aliases used at the
// circulation desk. Empty input means good.
func ParseCondition(s string) (Condition, error) {
	if c, ok := conditionAliases[foldCondition(s)]; ok {
		return c, nil
	}
	return "", validationError("unknown book condition", "condition: "+s)
}
