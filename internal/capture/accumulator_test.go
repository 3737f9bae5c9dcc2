package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferInterimReplacedByFinal(t *testing.T) {
	var b Buffer
	b.Apply(Fragment{Text: "dez"})
	b.Apply(Fragment{Text: "dez caixas"})
	assert.Equal(t, "dez caixas", b.Text())

	b.Apply(Fragment{Text: "10 caixas", Final: true})
	assert.Equal(t, "10 caixas", b.Text())

	b.Apply(Fragment{Text: "do código"})
	assert.Equal(t, "10 caixas do código", b.Text())

	b.Apply(Fragment{Text: "do código 10025", Final: true})
	b.Apply(Fragment{Text: "   "})
	assert.Equal(t, "10 caixas do código 10025", b.Text())

	b.Reset()
	assert.Equal(t, "", b.Text())
}

func TestRebuildIsDeterministic(t *testing.T) {
	fragments := []Fragment{
		{Text: "Anotado."},
		{Text: "Anotado.", Final: true},
		{Text: "10 caixas e"},
		{Text: "10 caixas e 5 unidades soltas", Final: true},
		{Text: "do código"},
	}
	first := Rebuild(fragments)
	assert.Equal(t, "Anotado. 10 caixas e 5 unidades soltas do código", first)
	assert.Equal(t, first, Rebuild(fragments))
}

func TestBufferTextDoesNotAliasFinals(t *testing.T) {
	var b Buffer
	b.Apply(Fragment{Text: "a", Final: true})
	b.Apply(Fragment{Text: "b"})
	_ = b.Text()
	b.Apply(Fragment{Text: "c", Final: true})
	assert.Equal(t, "a c", b.Text())
}
