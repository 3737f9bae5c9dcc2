package capture

import (
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-stockcount/internal/extract"
)

// DefaultTriggerPhrase ends a capture as soon as it is spoken.
const DefaultTriggerPhrase = "confirmar contagem"

// TriggerDetector finds the spoken completion phrase in a transcript.
type TriggerDetector struct {
	pattern *regexp.Regexp
}

// NewTriggerDetector compiles phrase into a matcher that ignores case and accents, where
// any run of whitespace in the phrase matches any run of whitespace in the transcript.
// An empty phrase disables detection.
func NewTriggerDetector(phrase string) *TriggerDetector {
	words := strings.Fields(extract.Fold(phrase))
	if len(words) == 0 {
		return &TriggerDetector{}
	}
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return &TriggerDetector{pattern: regexp.MustCompile(strings.Join(words, `\s+`))}
}

// Detect reports whether text contains the phrase and returns text with the first
// occurrence removed and surrounding whitespace trimmed. The rest of text keeps its
// original spelling.
func (d *TriggerDetector) Detect(text string) (string, bool) {
	if d == nil || d.pattern == nil {
		return text, false
	}
	folded, offsets := foldOffsets(text)
	loc := d.pattern.FindStringIndex(folded)
	if loc == nil {
		return text, false
	}
	return strings.TrimSpace(text[:offsets[loc[0]]] + text[offsets[loc[1]]:]), true
}

// Enabled reports whether a phrase is configured.
func (d *TriggerDetector) Enabled() bool {
	return d != nil && d.pattern != nil
}

// foldOffsets folds text one rune at a time. offsets[i] is the byte offset in text of the
// rune that produced byte i of the folded string; offsets[len(folded)] is len(text).
// Combining marks fold to nothing, so they stay with the rune they follow.
func foldOffsets(text string) (string, []int) {
	var b strings.Builder
	offsets := make([]int, 0, len(text)+1)
	for i, r := range text {
		f := extract.Fold(string(r))
		b.WriteString(f)
		for range len(f) {
			offsets = append(offsets, i)
		}
	}
	return b.String(), append(offsets, len(text))
}
