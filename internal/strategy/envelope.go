package strategy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ResultMarker prefixes the single result line written by a harness or worker.
const ResultMarker = "__STRATEGY_RESULT__"

// ErrNoEnvelope is returned when sandbox output carries no result line.
var ErrNoEnvelope = errors.New("no result envelope in sandbox output")

// Envelope is the wire result of one sandboxed execution.
// Exactly one of Trades or Error is set.
type Envelope struct {
	Success bool            `json:"success"`
	Trades  json.RawMessage `json:"trades,omitempty"`
	Kind    FailureKind     `json:"kind,omitempty"`
	Error   string          `json:"error,omitempty"`
	Logs    string          `json:"logs,omitempty"`
}

// Succeeded builds a success envelope.
func Succeeded(trades json.RawMessage, logs string) Envelope {
	return Envelope{Success: true, Trades: trades, Logs: logs}
}

// Failed builds a failure envelope.
func Failed(kind FailureKind, msg string) Envelope {
	return Envelope{Kind: kind, Error: msg}
}

// Encode writes the envelope as a marker line.
func (e Envelope) Encode(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	_, err = fmt.Fprintf(w, "\n%s %s\n", ResultMarker, data)
	return err
}

// DecodeEnvelope extracts the last result line from sandbox stdout.
func DecodeEnvelope(out []byte) (*Envelope, error) {
	var last []byte
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), len(out)+1)
	for sc.Scan() {
		line := sc.Bytes()
		if rest, ok := bytes.CutPrefix(line, []byte(ResultMarker)); ok {
			last = append(last[:0], rest...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning sandbox output: %w", err)
	}
	if last == nil {
		return nil, ErrNoEnvelope
	}

	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(last), &env); err != nil {
		return nil, fmt.Errorf("malformed result envelope: %w", err)
	}

	if env.Success {
		if len(env.Trades) == 0 {
			return nil, errors.New("malformed result envelope: success without trades")
		}
		env.Kind, env.Error = "", ""
		return &env, nil
	}

	env.Trades = nil
	if !env.Kind.Valid() {
		env.Kind = FailureExecution
	}
	if env.Error == "" {
		env.Error = "strategy failed without an error message"
	}
	return &env, nil
}
