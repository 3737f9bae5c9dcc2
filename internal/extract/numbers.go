package extract

import "strconv"

var numberWords = map[string]int{
	"zero":         0,
	"um":           1,
	"uma":          1,
	"dois":         2,
	"duas":         2,
	"tres":         3,
	"quatro":       4,
	"cinco":        5,
	"seis":         6,
	"sete":         7,
	"oito":         8,
	"nove":         9,
	"dez":          10,
	"onze":         11,
	"doze":         12,
	"treze":        13,
	"catorze":      14,
	"quatorze":     14,
	"quinze":       15,
	"dezesseis":    16,
	"dezasseis":    16,
	"dezessete":    17,
	"dezassete":    17,
	"dezoito":      18,
	"dezenove":     19,
	"dezanove":     19,
	"vinte":        20,
	"trinta":       30,
	"quarenta":     40,
	"cinquenta":    50,
	"cincoenta":    50,
	"sessenta":     60,
	"setenta":      70,
	"oitenta":      80,
	"noventa":      90,
	"cem":          100,
	"cento":        100,
	"duzentos":     200,
	"duzentas":     200,
	"trezentos":    300,
	"trezentas":    300,
	"quatrocentos": 400,
	"quatrocentas": 400,
	"quinhentos":   500,
	"quinhentas":   500,
	"seiscentos":   600,
	"seiscentas":   600,
	"setecentos":   700,
	"setecentas":   700,
	"oitocentos":   800,
	"oitocentas":   800,
	"novecentos":   900,
	"novecentas":   900,
	"mil":          1000,
}

// mergeNumberWords rewrites each spoken number ("vinte e cinco", "cento e doze", "dois
// mil e duzentos") into a single digit token. Words only combine along number grammar,
// so digits dictated one by one ("um zero zero dois cinco") stay separate tokens. Input
// words must already be folded.
func mergeNumberWords(words []string) []string {
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		if _, ok := numberWords[words[i]]; !ok || monthContext(words, i) {
			out = append(out, words[i])
			i++
			continue
		}
		n, end := readNumber(words, i)
		out = append(out, strconv.Itoa(n))
		i = end
	}
	return out
}

// readNumber reads one number starting at the number word words[i] and returns its value
// and the index after its last word. A component joins only when "e" links it to a
// larger one with room for it ("vinte e cinco", "cento e quinze"). "mil" multiplies
// what came before it and may be followed by hundreds with or without "e".
func readNumber(words []string, i int) (int, int) {
	total, current := 0, numberWords[words[i]]
	thousands := current == 1000
	room := slotBelow(current)
	if thousands {
		total, current = 1000, 0
	}
	end := i + 1
	for end < len(words) {
		j, joined := end, false
		if words[j] == "e" {
			j, joined = j+1, true
		}
		if j >= len(words) || monthContext(words, j) {
			break
		}
		v, ok := numberWords[words[j]]
		if !ok || v == 0 {
			break
		}
		switch {
		case v == 1000:
			if joined || thousands || current == 0 {
				return total + current, end
			}
			total, current, thousands, room = current*1000, 0, true, 1000
		case v < room && (joined || (room == 1000 && v >= 100)):
			current += v
			room = slotBelow(v)
		default:
			return total + current, end
		}
		end = j + 1
	}
	return total + current, end
}

// slotBelow is the exclusive bound on what may still be added after component v.
func slotBelow(v int) int {
	switch {
	case v == 1000:
		return 1000
	case v >= 100:
		return 100
	case v >= 20 && v%10 == 0:
		return 10
	default:
		return 0
	}
}

// monthContext reports whether words[i] is a month abbreviation in a "30 de dez" date
// rather than the number ten.
func monthContext(words []string, i int) bool {
	if _, ok := months[words[i]]; !ok || i < 2 {
		return false
	}
	if words[i-1] != "de" && words[i-1] != "do" {
		return false
	}
	_, spoken := numberWords[words[i-2]]
	return isDigits(words[i-2]) || spoken
}
