package strategy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusCompleted, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, Status("archived").Valid())
}

func TestParseLanguage(t *testing.T) {
	lang, err := ParseLanguage("")
	require.NoError(t, err)
	assert.Equal(t, LanguagePython, lang)

	lang, err = ParseLanguage(" Starlark ")
	require.NoError(t, err)
	assert.Equal(t, LanguageStarlark, lang)

	_, err = ParseLanguage("ruby")
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("some noise written by the runtime\n")
	require.NoError(t, Succeeded([]byte(`[{"pnl":1}]`), "hello").Encode(&buf))

	env, err := DecodeEnvelope(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.JSONEq(t, `[{"pnl":1}]`, string(env.Trades))
	assert.Equal(t, "hello", env.Logs)
}

func TestDecodeEnvelope_LastLineWins(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Succeeded([]byte(`[]`), "").Encode(&buf))
	require.NoError(t, Failed(FailureEntryPointMissing, "missing").Encode(&buf))

	env, err := DecodeEnvelope(buf.Bytes())
	require.NoError(t, err)
	assert.False(t, env.Success)
	assert.Equal(t, FailureEntryPointMissing, env.Kind)
	assert.Nil(t, env.Trades)
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	_, err := DecodeEnvelope([]byte("Traceback (most recent call last):\n"))
	assert.ErrorIs(t, err, ErrNoEnvelope)

	_, err = DecodeEnvelope([]byte(ResultMarker + " {not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(ResultMarker + ` {"success":true}`))
	assert.Error(t, err)
}

func TestDecodeEnvelope_UnknownKindBecomesExecutionError(t *testing.T) {
	env, err := DecodeEnvelope([]byte(ResultMarker + ` {"success":false,"kind":"weird"}`))
	require.NoError(t, err)
	assert.Equal(t, FailureExecution, env.Kind)
	assert.NotEmpty(t, env.Error)
}
