// Package canonical turns display names into lookup keys. Every place that
// stores or looks up an identity by name goes through Canonicalize.
package canonical

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// confusables folds lowercase letters that render like ASCII letters.
// Digits are never folded: "0" and "o" stay distinct.
var confusables = map[rune]rune{
	// Cyrillic
	'а': 'a', 'в': 'b', 'с': 'c', 'ԁ': 'd', 'е': 'e', 'һ': 'h', 'н': 'h',
	'і': 'i', 'ј': 'j', 'к': 'k', 'ӏ': 'l', 'м': 'm', 'о': 'o', 'р': 'p',
	'ԛ': 'q', 'г': 'r', 'ѕ': 's', 'т': 't', 'ц': 'u', 'ѵ': 'v', 'ԝ': 'w',
	'х': 'x', 'у': 'y', 'ү': 'y', 'ё': 'e', 'ї': 'i',
	// Greek
	'α': 'a', 'β': 'b', 'ϲ': 'c', 'ε': 'e', 'η': 'n', 'ι': 'i', 'κ': 'k',
	'ν': 'v', 'ο': 'o', 'ρ': 'p', 'τ': 't', 'υ': 'u', 'χ': 'x', 'ω': 'w',
	'ʏ': 'y',
	// Latin lookalikes outside ASCII
	'ı': 'i', 'ȷ': 'j', 'ɑ': 'a', 'ɡ': 'g', 'ʟ': 'l', 'ɴ': 'n', 'ʀ': 'r',
}

func newTransformer() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
}

// Canonicalize decomposes, strips combining marks, lowercases, folds
// confusable letters and drops everything outside [a-z0-9_]. It is total:
// the result may be empty for names with no usable characters.
func Canonicalize(raw string) string {
	decomposed, _, err := transform.String(newTransformer(), raw)
	if err != nil {
		decomposed = raw
	}

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		r = unicode.ToLower(r)
		if folded, ok := confusables[r]; ok {
			r = folded
		}
		if isKeyRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UsesConfusables reports whether folding a lookalike letter was needed to
// reach the canonical form of raw.
func UsesConfusables(raw string) bool {
	decomposed, _, err := transform.String(newTransformer(), raw)
	if err != nil {
		decomposed = raw
	}
	for _, r := range decomposed {
		if _, ok := confusables[unicode.ToLower(r)]; ok {
			return true
		}
	}
	return false
}

// PreferredName is the display casing kept on a binding. Leading dots added by
// cross-edition proxies are removed.
func PreferredName(raw string) string {
	return strings.TrimLeft(strings.TrimSpace(raw), ".")
}

func isKeyRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}
