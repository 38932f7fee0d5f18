package trades

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonListReturn means the strategy result is not a JSON array.
	ErrNonListReturn = errors.New("strategy must return a list of trades")
	// ErrInvalidTradeSchema means a record violates the trade schema.
	ErrInvalidTradeSchema = errors.New("invalid trade schema")
)

// Record field names.
const (
	FieldEntryPrice = "entry_price"
	FieldExitPrice  = "exit_price"
	FieldDirection  = "direction"
	FieldSize       = "size"
	FieldPnL        = "pnl"
)

var pricedFields = []string{FieldEntryPrice, FieldExitPrice, FieldDirection, FieldSize}

// SchemaError pinpoints the first malformed record.
type SchemaError struct {
	Index  int
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("trade %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("trade %d: %s: %s", e.Index, e.Field, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrInvalidTradeSchema }

// Bounds on a single numeric field. Anything wider is not a price, size or
// P&L, and exact arithmetic on it would cost the host unbounded CPU.
const (
	maxNumberLen    = 512
	maxNumberDigits = 400
	maxNumberExp    = 400
)

var (
	one    = decimal.NewFromInt(1)
	negOne = decimal.NewFromInt(-1)
)

// Validate decodes raw into a List. It stops at the first malformed record
// and the whole list is rejected.
func Validate(raw json.RawMessage) (List, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, ErrNonListReturn
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonListReturn, err)
	}

	list := make(List, 0, len(records))
	for i, rec := range records {
		t, err := parseRecord(i, rec)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, nil
}

func parseRecord(i int, rec json.RawMessage) (Trade, error) {
	rec = bytes.TrimSpace(rec)
	if len(rec) == 0 || rec[0] != '{' {
		return Trade{}, &SchemaError{Index: i, Reason: "record must be an object"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec, &fields); err != nil {
		return Trade{}, &SchemaError{Index: i, Reason: err.Error()}
	}

	if hasAll(fields, pricedFields) {
		return parsePriced(i, fields)
	}

	raw, ok := fields[FieldPnL]
	if !ok {
		return Trade{}, &SchemaError{
			Index:  i,
			Reason: "record needs entry_price, exit_price, direction and size, or pnl",
		}
	}
	pnl, err := number(raw)
	if err != nil {
		return Trade{}, &SchemaError{Index: i, Field: FieldPnL, Reason: err.Error()}
	}
	return Trade{PnL: pnl}, nil
}

func parsePriced(i int, fields map[string]json.RawMessage) (Trade, error) {
	vals := make(map[string]decimal.Decimal, len(pricedFields))
	for _, f := range pricedFields {
		d, err := number(fields[f])
		if err != nil {
			return Trade{}, &SchemaError{Index: i, Field: f, Reason: err.Error()}
		}
		vals[f] = d
	}

	dir := vals[FieldDirection]
	if !dir.Equal(one) && !dir.Equal(negOne) {
		return Trade{}, &SchemaError{Index: i, Field: FieldDirection, Reason: "must be 1 or -1, got " + dir.String()}
	}
	if !vals[FieldSize].IsPositive() {
		return Trade{}, &SchemaError{Index: i, Field: FieldSize, Reason: "must be greater than zero, got " + vals[FieldSize].String()}
	}

	return Trade{
		Priced:     true,
		EntryPrice: vals[FieldEntryPrice],
		ExitPrice:  vals[FieldExitPrice],
		Direction:  dir,
		Size:       vals[FieldSize],
	}, nil
}

func hasAll(fields map[string]json.RawMessage, names []string) bool {
	for _, n := range names {
		if _, ok := fields[n]; !ok {
			return false
		}
	}
	return true
}

// number accepts only JSON numbers that fit a float64; strings, booleans
// and null are rejected.
func number(raw json.RawMessage) (decimal.Decimal, error) {
	if len(bytes.TrimSpace(raw)) > maxNumberLen {
		return decimal.Decimal{}, fmt.Errorf("number longer than %d characters", maxNumberLen)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid value: %v", err)
	}
	n, ok := v.(json.Number)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("must be a number, got %s", describe(v))
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid number %s", n)
	}
	if exp := d.Exponent(); exp > maxNumberExp || exp < -maxNumberExp || d.NumDigits() > maxNumberDigits {
		return decimal.Decimal{}, fmt.Errorf("number %s out of range", n)
	}
	if f := d.InexactFloat64(); math.IsInf(f, 0) || math.IsNaN(f) {
		return decimal.Decimal{}, fmt.Errorf("number %s out of range", n)
	}
	return d, nil
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
