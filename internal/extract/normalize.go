package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	productCodeWidth   = 9
	addressFirstWidth  = 3
	addressSecondWidth = 4

	// DefaultZone is used when an address is spoken without a zone letter.
	DefaultZone = "A"
)

var (
	isoDatePattern  = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	dmyDatePattern  = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})(?:[/.\-](\d{4}|\d{2}))?$`)
	textDatePattern = regexp.MustCompile(`^(?:dia\s+)?(\d{1,2})\s*(?:de\s+|do\s+)?([a-z]+)\.?(?:\s*(?:de\s+|do\s+)?(\d{4}|\d{2}))?$`)
)

var months = map[string]time.Month{
	"janeiro": time.January, "jan": time.January,
	"fevereiro": time.February, "fev": time.February,
	"marco": time.March, "mar": time.March,
	"abril": time.April, "abr": time.April,
	"maio": time.May, "mai": time.May,
	"junho": time.June, "jun": time.June,
	"julho": time.July, "jul": time.July,
	"agosto": time.August, "ago": time.August,
	"setembro": time.September, "set": time.September,
	"outubro": time.October, "out": time.October,
	"novembro": time.November, "nov": time.November,
	"dezembro": time.December, "dez": time.December,
}

var relativeDays = map[string]int{
	"hoje":      0,
	"today":     0,
	"ontem":     -1,
	"yesterday": -1,
	"anteontem": -2,
}

// NormalizeProductCode keeps only the digits of a spoken code token and left pads them
// with zeros to nine characters. Tokens without digits yield nil. Runs of nine or more
// digits are returned unchanged.
func NormalizeProductCode(token string) *string {
	digits := onlyDigits(token)
	if digits == "" {
		return nil
	}
	return inventory.String(padLeft(digits, productCodeWidth))
}

// NormalizeCount rejects negative counts.
func NormalizeCount(n *int) *int {
	if n == nil || *n < 0 {
		return nil
	}
	return inventory.Int(*n)
}

// NormalizeAddress parses free text such as "a 1 5", "B-15-30-10" or "rua 5 posição 20"
// into the canonical "L NNN NNNN" form. Only a leading one or two letter token is taken
// as the zone; other words are ignored. At least two digit groups are required.
func NormalizeAddress(s string) *string {
	tokens := strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return nil
	}
	zone := ""
	var groups []string
	for i, tok := range tokens {
		switch {
		case isDigits(tok):
			groups = append(groups, tok)
		case i == 0 && isLetters(tok) && len(tok) <= 2:
			zone = tok
		case i == 0 && zonePrefixed(tok):
			z, digits := splitZone(tok)
			zone = z
			groups = append(groups, digits)
		}
	}
	return FormatAddress(zone, groups)
}

// FormatAddress renders a zone and its digit groups. The first group is padded to three
// digits; the remaining groups are concatenated and padded to four.
func FormatAddress(zone string, groups []string) *string {
	if len(groups) < 2 {
		return nil
	}
	zone = strings.ToUpper(strings.TrimSpace(zone))
	if zone == "" {
		zone = DefaultZone
	}
	first := padLeft(groups[0], addressFirstWidth)
	second := padLeft(strings.Join(groups[1:], ""), addressSecondWidth)
	return inventory.String(zone + " " + first + " " + second)
}

// NormalizeDate converts spoken or written dates to YYYY-MM-DD. Relative words resolve
// against ref. When the year is omitted it is taken from ref, stepping back one year if
// that would place the manufacture date after ref.
func NormalizeDate(s string, ref time.Time) *string {
	text := strings.Join(strings.Fields(Fold(s)), " ")
	if text == "" {
		return nil
	}
	if offset, ok := relativeDays[text]; ok {
		return inventory.String(ref.AddDate(0, 0, offset).Format(DateLayout))
	}
	if m := isoDatePattern.FindStringSubmatch(text); m != nil {
		return buildDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := dmyDatePattern.FindStringSubmatch(text); m != nil {
		return dateWithOptionalYear(atoi(m[1]), atoi(m[2]), m[3], ref)
	}
	if m := textDatePattern.FindStringSubmatch(text); m != nil {
		month, ok := months[m[2]]
		if !ok {
			return nil
		}
		return dateWithOptionalYear(atoi(m[1]), int(month), m[3], ref)
	}
	return nil
}

// Normalize canonicalizes every field of a record produced by any engine. Values that
// cannot be brought into canonical form are dropped to nil. Normalize is idempotent.
func Normalize(r inventory.Record, ref time.Time) inventory.Record {
	var out inventory.Record
	if r.ProductCode != nil {
		out.ProductCode = NormalizeProductCode(*r.ProductCode)
	}
	out.BoxCount = NormalizeCount(r.BoxCount)
	out.UnitCount = NormalizeCount(r.UnitCount)
	if r.ManufactureDate != nil {
		out.ManufactureDate = NormalizeDate(*r.ManufactureDate, ref)
	}
	if r.Address != nil {
		out.Address = NormalizeAddress(*r.Address)
	}
	return out
}

// Fold lower-cases s and strips diacritics so "Fabricação" and "fabricacao" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return strings.ToLower(out)
}

func dateWithOptionalYear(day, month int, year string, ref time.Time) *string {
	if year != "" {
		y := atoi(year)
		if len(year) == 2 {
			y += 2000
		}
		return buildDate(y, month, day)
	}
	y := ref.Year()
	candidate := buildDate(y, month, day)
	if candidate == nil {
		return nil
	}
	if *candidate > ref.Format(DateLayout) {
		return buildDate(y-1, month, day)
	}
	return candidate
}

func buildDate(year, month, day int) *string {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return nil
	}
	return inventory.String(t.Format(DateLayout))
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLetters(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// zonePrefixed matches tokens like "a1" where the zone letter and first group were
// transcribed together.
func zonePrefixed(s string) bool {
	z, digits := splitZone(s)
	return len(z) == 1 && isLetters(z) && isDigits(digits)
}

func splitZone(s string) (string, string) {
	i := strings.IndexFunc(s, unicode.IsDigit)
	if i <= 0 {
		return "", s
	}
	return s[:i], s[i:]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
