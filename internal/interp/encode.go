package interp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.starlark.net/starlark"
)

var errOutputTooLarge = errors.New("strategy output exceeds size limit")

const maxDepth = 32

// encodeJSON converts a Starlark return value to JSON. Ints and finite floats
// become JSON numbers, non-finite floats become null, dict keys must be
// strings. A positive limit caps the encoded size.
func encodeJSON(v starlark.Value, limit int) (json.RawMessage, error) {
	goVal, err := toGo(v, 0)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(goVal)
	if err != nil {
		return nil, fmt.Errorf("encoding strategy output: %w", err)
	}
	if limit > 0 && len(raw) > limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", errOutputTooLarge, len(raw), limit)
	}
	return raw, nil
}

func toGo(v starlark.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("strategy output nested deeper than %d levels", maxDepth)
	}
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		return json.Number(x.String()), nil
	case starlark.Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		return iterToGo(x, x.Len(), depth)
	case starlark.Tuple:
		return iterToGo(x, x.Len(), depth)
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("trade keys must be strings, got %s", item[0].Type())
			}
			val, err := toGo(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out[string(k)] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot return value of type %s from strategy", v.Type())
}

func iterToGo(seq starlark.Iterable, n int, depth int) ([]any, error) {
	out := make([]any, 0, n)
	it := seq.Iterate()
	defer it.Done()
	var elem starlark.Value
	for it.Next(&elem) {
		val, err := toGo(elem, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

// logBuffer collects print() output up to a byte cap.
type logBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit}
}

func (l *logBuffer) WriteLine(s string) {
	if l.truncated {
		return
	}
	if l.limit > 0 && l.buf.Len()+len(s)+1 > l.limit {
		remaining := l.limit - l.buf.Len()
		if remaining > 0 {
			l.buf.WriteString(s[:min(remaining, len(s))])
		}
		l.buf.WriteString("\n... [output truncated]")
		l.truncated = true
		return
	}
	l.buf.WriteString(s)
	l.buf.WriteByte('\n')
}

func (l *logBuffer) String() string {
	return l.buf.String()
}
