package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-stockcount/internal/inventory"
)

// wireRecord is the flat object extraction services answer with.
type wireRecord struct {
	ProductCode     json.RawMessage `json:"codigo_produto"`
	BoxCount        json.RawMessage `json:"quantidade_caixas"`
	UnitCount       json.RawMessage `json:"quantidade_unidades"`
	ManufactureDate json.RawMessage `json:"data_fabricacao"`
	Address         json.RawMessage `json:"endereco"`
}

// Decode parses a service response into a record. Markdown code fences around the
// object are tolerated. Every key must be present; an absent field is spelled null.
// Empty content, anything other than a single flat object, missing or unknown keys and
// wrongly typed fields are failures. The result is not normalized.
func Decode(content string) (inventory.Record, error) {
	body := stripFences(content)
	if body == "" {
		return inventory.Record{}, Fail(ReasonEmpty, errors.New("service returned no content"))
	}
	if body[0] != '{' {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("expected a JSON object, got %.40q", body))
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var wire wireRecord
	if err := dec.Decode(&wire); err != nil {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("decode response: %w", err))
	}
	if dec.More() {
		return inventory.Record{}, Fail(ReasonMalformed, errors.New("decode response: trailing data after object"))
	}
	if missing := wire.missing(); len(missing) > 0 {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("decode response: missing %s", strings.Join(missing, ", ")))
	}

	var r inventory.Record
	var err error
	if r.ProductCode, err = decodeCode(wire.ProductCode); err != nil {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("codigo_produto: %w", err))
	}
	if r.BoxCount, err = decodeCount(wire.BoxCount); err != nil {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("quantidade_caixas: %w", err))
	}
	if r.UnitCount, err = decodeCount(wire.UnitCount); err != nil {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("quantidade_unidades: %w", err))
	}
	if r.ManufactureDate, err = decodeText(wire.ManufactureDate); err != nil {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("data_fabricacao: %w", err))
	}
	if r.Address, err = decodeText(wire.Address); err != nil {
		return inventory.Record{}, Fail(ReasonMalformed, fmt.Errorf("endereco: %w", err))
	}
	return r, nil
}

// missing lists the wire keys the object did not carry. An explicit null still reaches
// the field as the literal "null".
func (w wireRecord) missing() []string {
	var keys []string
	for _, f := range []struct {
		key string
		raw json.RawMessage
	}{
		{"codigo_produto", w.ProductCode},
		{"quantidade_caixas", w.BoxCount},
		{"quantidade_unidades", w.UnitCount},
		{"data_fabricacao", w.ManufactureDate},
		{"endereco", w.Address},
	} {
		if len(f.raw) == 0 {
			keys = append(keys, f.key)
		}
	}
	return keys
}

// Encode renders a record in the wire format Decode reads.
func Encode(r inventory.Record) ([]byte, error) {
	return json.Marshal(struct {
		ProductCode     *string `json:"codigo_produto"`
		BoxCount        *int    `json:"quantidade_caixas"`
		UnitCount       *int    `json:"quantidade_unidades"`
		ManufactureDate *string `json:"data_fabricacao"`
		Address         *string `json:"endereco"`
	}{r.ProductCode, r.BoxCount, r.UnitCount, r.ManufactureDate, r.Address})
}

func stripFences(content string) string {
	body := strings.TrimSpace(content)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeCode accepts a string or a bare number; models sometimes drop the quotes.
func decodeCode(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return inventory.String(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return inventory.String(n.String()), nil
	}
	return nil, fmt.Errorf("expected string, got %s", raw)
}

func decodeCount(raw json.RawMessage) (*int, error) {
	if isNull(raw) {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %s", raw)
		}
		if f < math.MinInt || f >= -float64(math.MinInt) {
			return nil, fmt.Errorf("integer out of range: %s", raw)
		}
		return inventory.Int(int(f)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(s))
		if convErr != nil {
			return nil, fmt.Errorf("expected integer, got %q", s)
		}
		return inventory.Int(n), nil
	}
	return nil, fmt.Errorf("expected integer, got %s", raw)
}

func decodeText(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("expected string, got %s", raw)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return inventory.String(s), nil
}
