// Package dataset parses the historical price CSV handed to a strategy.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var (
	ErrEmpty     = errors.New("dataset is empty")
	ErrMalformed = errors.New("malformed dataset")
	ErrTooLarge  = errors.New("dataset too large")
)

// Options bound what Parse accepts. Zero values mean unbounded.
type Options struct {
	MaxBytes int
	MaxRows  int
}

// Column is one named CSV column.
type Column struct {
	Name    string
	Values  []string
	Numeric bool
	floats  []float64
}

// Floats returns the column as numbers. Empty cells are NaN.
// It returns nil for non-numeric columns.
func (c *Column) Floats() []float64 {
	if !c.Numeric {
		return nil
	}
	return c.floats
}

// Table is a parsed dataset in column order.
type Table struct {
	Columns []*Column
	rows    int
	index   map[string]int
}

// Len returns the number of data rows.
func (t *Table) Len() int { return t.rows }

// Names returns the header in file order.
func (t *Table) Names() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks a column up by header name.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.Columns[i], true
}

// Parse reads a header-first CSV document.
func Parse(data []byte, opts Options) (*Table, error) {
	if opts.MaxBytes > 0 && len(data) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), opts.MaxBytes)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformed, err)
	}

	t := &Table{
		Columns: make([]*Column, len(header)),
		index:   make(map[string]int, len(header)),
	}
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: column %d has an empty name", ErrMalformed, i+1)
		}
		if _, dup := t.index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformed, name)
		}
		t.index[name] = i
		t.Columns[i] = &Column{Name: name}
	}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		t.rows++
		if opts.MaxRows > 0 && t.rows > opts.MaxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooLarge, opts.MaxRows)
		}
		for i, v := range record {
			t.Columns[i].Values = append(t.Columns[i].Values, strings.TrimSpace(v))
		}
	}

	for _, c := range t.Columns {
		c.detectNumeric()
	}
	return t, nil
}

func (c *Column) detectNumeric() {
	floats := make([]float64, len(c.Values))
	seen := false
	for i, v := range c.Values {
		if v == "" {
			floats[i] = math.NaN()
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return
		}
		floats[i] = f
		seen = true
	}
	if seen {
		c.Numeric = true
		c.floats = floats
	}
}
