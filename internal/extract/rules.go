package extract

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/inventory"
)

var tokenPattern = regexp.MustCompile(`\d{4}-\d{1,2}-\d{1,2}|\d{1,2}/\d{1,2}(?:/\d{2,4})?|[\p{L}\p{N}]+(?:-[\p{L}\p{N}]+)*|[.,;:!?]`)

var (
	boxCues  = set("caixas", "caixa", "cxs", "cx", "cxas")
	unitCues = set("unidades", "unidade", "un", "und", "unds", "pecas", "peca",
		"soltas", "solta", "soltos", "solto", "avulsas", "avulsa", "avulsos", "avulso")

	addressCues       = set("endereco", "enderecamento", "local", "localizacao", "locacao", "rua", "corredor", "setor", "zona", "bloco", "estante", "prateleira")
	addressConnectors = set("posicao", "pos", "predio", "nivel", "coluna", "andar", "vao", "modulo", "numero")
	addressFillers    = set("no", "na", "do", "da", "de", "e", "eh", "o")

	dateCues    = set("fabricacao", "fabricado", "fabricada", "fabricados", "fabricadas", "fab", "producao", "produzido", "produzida", "manufatura")
	dateFillers = set("de", "do", "da", "em", "no", "na", "dia", "e", "eh", "foi", "a")

	codeCues    = set("codigo", "cod", "produto", "item", "sku", "referencia", "ref", "artigo", "material")
	codeFillers = set("do", "da", "de", "o", "numero", "n", "no", "nr", "num", "codigo", "produto", "e", "eh")
)

// RuleExtractor is a deterministic Portuguese parser for spoken counts. It recognizes
// the lexical cues of each field and never needs network access.
type RuleExtractor struct {
	clock func() time.Time
}

// NewRuleExtractor returns a RuleExtractor using the wall clock for requests that omit
// a reference date.
func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{clock: time.Now}
}

func (e *RuleExtractor) Extract(ctx context.Context, req Request) (inventory.Record, error) {
	if err := ctx.Err(); err != nil {
		return inventory.Record{}, Fail(ReasonUnavailable, err)
	}
	if strings.TrimSpace(req.UtteranceText) == "" {
		return inventory.Record{}, Fail(ReasonInvalid, ErrEmptyUtterance)
	}
	ref, err := req.Reference(e.clock())
	if err != nil {
		return inventory.Record{}, Fail(ReasonInvalid, err)
	}
	return Normalize(Parse(req.UtteranceText, ref), ref), nil
}

// Parse runs the rule passes over text. Passes claim tokens in a fixed order
// (address, date, counts, code) so later passes never reuse digits an earlier one
// already attributed.
func Parse(text string, ref time.Time) inventory.Record {
	p := newParser(text)
	var r inventory.Record
	r.Address = p.address()
	r.ManufactureDate = p.date(ref)
	r.BoxCount, r.UnitCount = p.counts()
	r.ProductCode = p.code()
	return r
}

type token struct {
	text  string
	punct bool
	used  bool
}

func (t token) number() bool   { return isDigits(t.text) }
func (t token) hasDigit() bool { return strings.IndexAny(t.text, "0123456789") >= 0 }

func (t token) dateShaped() bool {
	return isoDatePattern.MatchString(t.text) || strings.Contains(t.text, "/")
}

type parser struct {
	toks []token
}

func newParser(text string) *parser {
	words := mergeNumberWords(tokenPattern.FindAllString(Fold(text), -1))
	toks := make([]token, len(words))
	for i, w := range words {
		toks[i] = token{text: w, punct: strings.ContainsAny(w, ".,;:!?") && len(w) == 1}
	}
	return &parser{toks: toks}
}

func (p *parser) at(i int) (token, bool) {
	if i < 0 || i >= len(p.toks) {
		return token{}, false
	}
	return p.toks[i], true
}

func (p *parser) free(i int) bool {
	t, ok := p.at(i)
	return ok && !t.used && !t.punct
}

func (p *parser) claim(from, to int) {
	for i := from; i < to && i < len(p.toks); i++ {
		p.toks[i].used = true
	}
}

func (p *parser) countCueAt(i int) bool {
	t, ok := p.at(i)
	if !ok {
		return false
	}
	_, box := boxCues[t.text]
	_, unit := unitCues[t.text]
	return box || unit
}

func (p *parser) address() *string {
	for i, t := range p.toks {
		if _, ok := addressCues[t.text]; !ok || t.used {
			continue
		}
		j := i + 1
		for p.free(j) {
			if _, filler := addressFillers[p.toks[j].text]; !filler || p.zoneAt(j) {
				break
			}
			j++
		}
		zone := ""
		var groups []string
		if p.zoneAt(j) {
			zone = p.toks[j].text
			j++
		} else if p.free(j) && zonePrefixed(p.toks[j].text) {
			z, digits := splitZone(p.toks[j].text)
			zone, groups = z, append(groups, digits)
			j++
		} else if p.free(j) && strings.Contains(p.toks[j].text, "-") {
			z, parts := splitHyphenAddress(p.toks[j].text)
			if len(parts) > 0 {
				zone, groups = z, append(groups, parts...)
				j++
			}
		}
		for p.free(j) {
			tk := p.toks[j]
			if tk.number() {
				if p.countCueAt(j + 1) {
					break
				}
				groups = append(groups, tk.text)
				j++
				continue
			}
			if _, ok := addressConnectors[tk.text]; ok && p.free(j+1) && p.toks[j+1].number() {
				j++
				continue
			}
			break
		}
		if addr := FormatAddress(zone, groups); addr != nil {
			p.claim(i, j)
			return addr
		}
	}
	return nil
}

// zoneAt reports whether toks[i] is a single zone letter directly followed by a number.
func (p *parser) zoneAt(i int) bool {
	if !p.free(i) || !p.free(i+1) {
		return false
	}
	t := p.toks[i].text
	return len(t) == 1 && isLetters(t) && p.toks[i+1].number()
}

func splitHyphenAddress(s string) (string, []string) {
	parts := strings.Split(s, "-")
	zone := ""
	if isLetters(parts[0]) && len(parts[0]) == 1 {
		zone, parts = parts[0], parts[1:]
	}
	for _, part := range parts {
		if !isDigits(part) {
			return "", nil
		}
	}
	return zone, parts
}

func (p *parser) date(ref time.Time) *string {
	for i, t := range p.toks {
		if _, ok := dateCues[t.text]; !ok || t.used {
			continue
		}
		for j := i + 1; j < len(p.toks) && j <= i+8; j++ {
			tk := p.toks[j]
			if tk.punct {
				if tk.text == "," || tk.text == ":" {
					continue
				}
				break
			}
			if tk.used {
				break
			}
			if _, ok := relativeDays[tk.text]; ok {
				p.claim(i, j+1)
				return NormalizeDate(tk.text, ref)
			}
			if tk.dateShaped() || strings.Contains(tk.text, "-") {
				if d := NormalizeDate(tk.text, ref); d != nil {
					p.claim(i, j+1)
					return d
				}
				break
			}
			if tk.number() {
				if d, end := p.spokenDate(j, ref); d != nil {
					p.claim(i, end)
					return d
				}
				break
			}
			if _, ok := dateFillers[tk.text]; !ok {
				break
			}
		}
	}
	for i, t := range p.toks {
		if t.used || t.punct {
			continue
		}
		if t.dateShaped() {
			if d := NormalizeDate(t.text, ref); d != nil {
				p.claim(i, i+1)
				return d
			}
		}
		if t.number() {
			if d, end := p.spokenDate(i, ref); d != nil {
				p.claim(i, end)
				return d
			}
		}
	}
	return nil
}

// spokenDate parses "30 de outubro [de 2025]" or "30 do 10 [de 2025]" starting at i.
func (p *parser) spokenDate(i int, ref time.Time) (*string, int) {
	day := p.toks[i].text
	if len(day) > 2 {
		return nil, i
	}
	j := i + 1
	if p.free(j) && (p.toks[j].text == "de" || p.toks[j].text == "do") {
		j++
	}
	if !p.free(j) {
		return nil, i
	}
	monthTok := p.toks[j].text
	_, named := months[monthTok]
	numeric := isDigits(monthTok) && len(monthTok) <= 2 && p.toks[j-1].text == "do"
	if !named && !numeric {
		return nil, i
	}
	j++
	year := ""
	k := j
	if p.free(k) && (p.toks[k].text == "de" || p.toks[k].text == "do") {
		k++
	}
	if p.free(k) && p.toks[k].number() && (len(p.toks[k].text) == 4 || len(p.toks[k].text) == 2) && !p.countCueAt(k+1) {
		year = p.toks[k].text
		j = k + 1
	}
	var text string
	if named {
		text = day + " de " + monthTok
		if year != "" {
			text += " de " + year
		}
	} else {
		text = day + "/" + monthTok
		if year != "" {
			text += "/" + year
		}
	}
	d := NormalizeDate(text, ref)
	if d == nil {
		return nil, i
	}
	return d, j
}

func (p *parser) counts() (*int, *int) {
	var boxes, units *int
	for i, t := range p.toks {
		if t.used || !t.number() || !p.free(i+1) {
			continue
		}
		cue := p.toks[i+1].text
		if _, ok := boxCues[cue]; ok && boxes == nil {
			boxes = inventory.Int(atoi(t.text))
			p.claim(i, i+2)
			continue
		}
		if _, ok := unitCues[cue]; ok && units == nil {
			units = inventory.Int(atoi(t.text))
			end := i + 2
			for p.free(end) {
				if _, more := unitCues[p.toks[end].text]; !more {
					break
				}
				end++
			}
			p.claim(i, end)
		}
	}
	return boxes, units
}

func (p *parser) code() *string {
	for i, t := range p.toks {
		if _, ok := codeCues[t.text]; !ok || t.used {
			continue
		}
		j := i + 1
		for p.free(j) {
			if _, filler := codeFillers[p.toks[j].text]; !filler {
				break
			}
			j++
		}
		if p.free(j) && p.free(j+1) && isLetters(p.toks[j].text) && len(p.toks[j].text) <= 3 && p.toks[j+1].hasDigit() {
			j++
		}
		if digits, end := p.codeDigits(j); digits != "" {
			p.claim(i, end)
			return NormalizeProductCode(digits)
		}
	}
	for i, t := range p.toks {
		if t.used || (t.text != "do" && t.text != "da") {
			continue
		}
		if digits, end := p.codeDigits(i + 1); digits != "" {
			p.claim(i, end)
			return NormalizeProductCode(digits)
		}
	}
	return nil
}

// codeDigits concatenates the digits of consecutive digit-bearing tokens from i, so a
// code read in chunks ("100 25") is kept whole.
func (p *parser) codeDigits(i int) (string, int) {
	var b strings.Builder
	j := i
	for p.free(j) && p.toks[j].hasDigit() && !p.toks[j].dateShaped() {
		if p.countCueAt(j + 1) {
			break
		}
		b.WriteString(onlyDigits(p.toks[j].text))
		j++
	}
	return b.String(), j
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
