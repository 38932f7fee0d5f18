package interp

import (
	"fmt"
	"math"

	"go.starlark.net/starlark"

	"strategy-sandbox/internal/dataset"
)

// Frame exposes a parsed dataset to strategy code:
//
//	df["close"]   column values as a list (floats for numeric columns)
//	df.columns    header names
//	df.rows       list of row dicts
//	df.shape      (rows, columns)
//	len(df)       row count
//	for c in df   iterates column names
//
// A Frame and everything reachable from it is frozen.
type Frame struct {
	table   *dataset.Table
	columns map[string]*starlark.List
	names   *starlark.List
	rows    *starlark.List
}

var (
	_ starlark.Mapping  = (*Frame)(nil)
	_ starlark.HasAttrs = (*Frame)(nil)
	_ starlark.Sequence = (*Frame)(nil)
)

// NewFrame builds a frozen Frame over t.
func NewFrame(t *dataset.Table) *Frame {
	f := &Frame{
		table:   t,
		columns: make(map[string]*starlark.List, len(t.Columns)),
	}

	names := make([]starlark.Value, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = starlark.String(c.Name)
		f.columns[c.Name] = columnList(c)
	}
	f.names = starlark.NewList(names)
	f.names.Freeze()
	return f
}

func columnList(c *dataset.Column) *starlark.List {
	vals := make([]starlark.Value, len(c.Values))
	if floats := c.Floats(); floats != nil {
		for i, v := range floats {
			vals[i] = starlark.Float(v)
		}
	} else {
		for i, v := range c.Values {
			vals[i] = starlark.String(v)
		}
	}
	l := starlark.NewList(vals)
	l.Freeze()
	return l
}

func (f *Frame) rowList() *starlark.List {
	if f.rows != nil {
		return f.rows
	}
	n := f.table.Len()
	rows := make([]starlark.Value, n)
	for i := 0; i < n; i++ {
		d := starlark.NewDict(len(f.table.Columns))
		for _, c := range f.table.Columns {
			_ = d.SetKey(starlark.String(c.Name), f.columns[c.Name].Index(i))
		}
		d.Freeze()
		rows[i] = d
	}
	f.rows = starlark.NewList(rows)
	f.rows.Freeze()
	return f.rows
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%d rows x %d columns)", f.table.Len(), len(f.table.Columns))
}

func (f *Frame) Type() string         { return "frame" }
func (f *Frame) Freeze()              {}
func (f *Frame) Truth() starlark.Bool { return f.table.Len() > 0 }
func (f *Frame) Len() int             { return f.table.Len() }

func (f *Frame) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: frame")
}

func (f *Frame) Iterate() starlark.Iterator {
	return f.names.Iterate()
}

// Get implements df[name].
func (f *Frame) Get(k starlark.Value) (starlark.Value, bool, error) {
	name, ok := k.(starlark.String)
	if !ok {
		return nil, false, fmt.Errorf("frame index must be a column name, got %s", k.Type())
	}
	col, ok := f.columns[string(name)]
	if !ok {
		return nil, false, fmt.Errorf("frame has no column %q", string(name))
	}
	return col, true, nil
}

func (f *Frame) Attr(name string) (starlark.Value, error) {
	switch name {
	case "columns":
		return f.names, nil
	case "rows":
		return f.rowList(), nil
	case "shape":
		return starlark.Tuple{starlark.MakeInt(f.table.Len()), starlark.MakeInt(len(f.table.Columns))}, nil
	}
	return nil, nil
}

var frameAttrs = []string{"columns", "rows", "shape"}

func (f *Frame) AttrNames() []string { return frameAttrs }

// isnan(x) reports whether x is NaN, which is how empty numeric cells appear.
func isNaN(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return starlark.False, nil
	}
	return starlark.Bool(math.IsNaN(f)), nil
}
