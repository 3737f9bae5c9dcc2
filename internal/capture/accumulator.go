package capture

import "strings"

// Fragment is one piece of recognized speech. Interim fragments are provisional and are
// replaced by the next fragment; final fragments are kept.
type Fragment struct {
	Text  string
	Final bool
}

// Buffer accumulates the fragments of one utterance.
type Buffer struct {
	finals  []string
	interim string
}

// Apply folds a fragment into the buffer. Blank fragments are ignored.
func (b *Buffer) Apply(f Fragment) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	if f.Final {
		b.finals = append(b.finals, text)
		b.interim = ""
		return
	}
	b.interim = text
}

// Text is every final fragment in arrival order followed by the pending interim,
// joined by single spaces.
func (b *Buffer) Text() string {
	parts := b.finals
	if b.interim != "" {
		parts = append(parts[:len(parts):len(parts)], b.interim)
	}
	return strings.Join(parts, " ")
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.finals = nil
	b.interim = ""
}

// Rebuild replays fragments into a fresh buffer and returns its text.
func Rebuild(fragments []Fragment) string {
	var b Buffer
	for _, f := range fragments {
		b.Apply(f)
	}
	return b.Text()
}
