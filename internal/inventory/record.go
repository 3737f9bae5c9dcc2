// Package inventory holds the structured count record and the log of confirmed counts.
package inventory

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one counted position. Absent fields are nil, never zero.
type Record struct {
	ProductCode     *string `json:"product_code"`
	BoxCount        *int    `json:"box_count"`
	UnitCount       *int    `json:"unit_count"`
	ManufactureDate *string `json:"manufacture_date"`
	Address         *string `json:"address"`
}

// Field names a single editable column of a Record.
type Field string

const (
	FieldProductCode     Field = "product_code"
	FieldBoxCount        Field = "box_count"
	FieldUnitCount       Field = "unit_count"
	FieldManufactureDate Field = "manufacture_date"
	FieldAddress         Field = "address"
)

// Fields lists every Field in display order.
var Fields = []Field{FieldProductCode, FieldBoxCount, FieldUnitCount, FieldManufactureDate, FieldAddress}

// ParseField accepts the English names above and the Portuguese keys used on the
// extraction wire format.
func ParseField(name string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "product_code", "productcode", "codigo_produto":
		return FieldProductCode, nil
	case "box_count", "boxcount", "quantidade_caixas":
		return FieldBoxCount, nil
	case "unit_count", "unitcount", "quantidade_unidades":
		return FieldUnitCount, nil
	case "manufacture_date", "manufacturedate", "data_fabricacao":
		return FieldManufactureDate, nil
	case "address", "endereco":
		return FieldAddress, nil
	}
	return "", fmt.Errorf("unknown record field %q", name)
}

// Clone returns a deep copy so callers can never alias a draft's fields.
func (r Record) Clone() Record {
	return Record{
		ProductCode:     cloneString(r.ProductCode),
		BoxCount:        cloneInt(r.BoxCount),
		UnitCount:       cloneInt(r.UnitCount),
		ManufactureDate: cloneString(r.ManufactureDate),
		Address:         cloneString(r.Address),
	}
}

// Empty reports whether no field is set.
func (r Record) Empty() bool {
	return r.ProductCode == nil && r.BoxCount == nil && r.UnitCount == nil &&
		r.ManufactureDate == nil && r.Address == nil
}

// Equal compares field values, treating nil as distinct from any value.
func (r Record) Equal(o Record) bool {
	return eqString(r.ProductCode, o.ProductCode) &&
		eqInt(r.BoxCount, o.BoxCount) &&
		eqInt(r.UnitCount, o.UnitCount) &&
		eqString(r.ManufactureDate, o.ManufactureDate) &&
		eqString(r.Address, o.Address)
}

// String renders the record the way the confirmed list shows it.
func (r Record) String() string {
	code := "[no code]"
	if r.ProductCode != nil {
		code = *r.ProductCode
	}
	addr := "[no address]"
	if r.Address != nil {
		addr = *r.Address
	}
	return fmt.Sprintf("%s (boxes: %s, units: %s) %s", code, intOrDash(r.BoxCount), intOrDash(r.UnitCount), addr)
}

// Confirmed is an immutable entry of the Log.
type Confirmed struct {
	Record      Record    `json:"record"`
	SessionID   string    `json:"session_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func intOrDash(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}
