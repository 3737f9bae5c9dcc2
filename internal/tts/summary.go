package tts

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/extract"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
)

var monthNames = [...]string{
	"janeiro", "fevereiro", "março", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}

// Summary renders a draft as the sentence read back to the operator. Missing fields
// are named so the operator knows what to correct.
func Summary(r inventory.Record) string {
	var parts []string
	var missing []string

	if r.ProductCode != nil {
		parts = append(parts, "Produto "+spellDigits(*r.ProductCode))
	} else {
		missing = append(missing, "código")
	}
	if r.BoxCount != nil {
		parts = append(parts, plural(*r.BoxCount, "caixa", "caixas"))
	} else {
		missing = append(missing, "caixas")
	}
	if r.UnitCount != nil {
		parts = append(parts, plural(*r.UnitCount, "unidade", "unidades"))
	} else {
		missing = append(missing, "unidades")
	}
	if r.ManufactureDate != nil {
		parts = append(parts, "Fabricação "+spokenDate(*r.ManufactureDate))
	} else {
		missing = append(missing, "fabricação")
	}
	if r.Address != nil {
		parts = append(parts, "Endereço "+*r.Address)
	} else {
		missing = append(missing, "endereço")
	}

	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
		b.WriteString(". ")
	}
	if len(missing) > 0 {
		b.WriteString("Faltando " + strings.Join(missing, ", ") + ". ")
	}
	b.WriteString("Confirme ou corrija.")
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

// spellDigits separates digits so a voice reads "0 0 0 0 7 7 4 4 1" instead of a number.
func spellDigits(code string) string {
	return strings.Join(strings.Split(code, ""), " ")
}

func spokenDate(date string) string {
	t, err := time.Parse(extract.DateLayout, date)
	if err != nil {
		return date
	}
	return fmt.Sprintf("%d de %s de %d", t.Day(), monthNames[t.Month()-1], t.Year())
}
