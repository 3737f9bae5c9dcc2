package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriggerDetectorStripsPhraseInAnyCase(t *testing.T) {
	d := NewTriggerDetector(DefaultTriggerPhrase)
	cases := map[string]string{
		"10 caixas confirmar contagem":              "10 caixas",
		"10 caixas Confirmar   Contagem":            "10 caixas",
		"CONFIRMAR CONTAGEM":                        "",
		"confirmar contagem 50 caixas":              "50 caixas",
		"a confirmar contagem b":                    "a  b",
		"x confirmar contagem y CONFIRMAR contagem": "x  y CONFIRMAR contagem",
	}
	for in, want := range cases {
		got, found := d.Detect(in)
		assert.True(t, found, in)
		assert.Equal(t, want, got, in)
	}
}

func TestTriggerDetectorIgnoresAccents(t *testing.T) {
	d := NewTriggerDetector("contagem concluída")
	cases := map[string]string{
		"código 5 CONTAGEM CONCLUIDA":        "código 5",
		"contagem concluida, endereço A 1 5": ", endereço A 1 5",
		"ação contagem conclu\u0301ida fim":  "ação  fim",
		"Peças 3 Contagem Concluída":         "Peças 3",
	}
	for in, want := range cases {
		got, found := d.Detect(in)
		assert.True(t, found, in)
		assert.Equal(t, want, got, in)
	}

	got, found := NewTriggerDetector(DefaultTriggerPhrase).Detect("10 caixas confirmár contágem")
	assert.True(t, found)
	assert.Equal(t, "10 caixas", got)
}

func TestTriggerDetectorNoMatch(t *testing.T) {
	d := NewTriggerDetector("confirmar contagem")
	got, found := d.Detect("confirmar a contagem")
	assert.False(t, found)
	assert.Equal(t, "confirmar a contagem", got)
}

func TestTriggerDetectorDisabled(t *testing.T) {
	d := NewTriggerDetector("   ")
	assert.False(t, d.Enabled())
	_, found := d.Detect("confirmar contagem")
	assert.False(t, found)
}

func TestTriggerDetectorQuotesPhrase(t *testing.T) {
	d := NewTriggerDetector("ok.")
	_, found := d.Detect("okay")
	assert.False(t, found)
	got, found := d.Detect("50 caixas ok.")
	assert.True(t, found)
	assert.Equal(t, "50 caixas", got)
}
