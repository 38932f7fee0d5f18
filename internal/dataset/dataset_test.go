package dataset

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prices = `date,open,close,volume
2024-01-02,100.5,101.25,1200
2024-01-03,101.25,99.75,
2024-01-04,99.75,102,1500
`

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(prices), Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, []string{"date", "open", "close", "volume"}, tbl.Names())

	date, ok := tbl.Column("date")
	require.True(t, ok)
	assert.False(t, date.Numeric)
	assert.Nil(t, date.Floats())
	assert.Equal(t, "2024-01-03", date.Values[1])

	closes, ok := tbl.Column("close")
	require.True(t, ok)
	assert.Equal(t, []float64{101.25, 99.75, 102}, closes.Floats())

	volume, _ := tbl.Column("volume")
	require.True(t, volume.Numeric)
	assert.True(t, math.IsNaN(volume.Floats()[1]))

	_, ok = tbl.Column("high")
	assert.False(t, ok)
}

func TestParse_BOMAndHeaderOnly(t *testing.T) {
	tbl, err := Parse([]byte("\xef\xbb\xbfclose\n"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, []string{"close"}, tbl.Names())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		opts Options
		want error
	}{
		{"empty", "", Options{}, ErrEmpty},
		{"whitespace", "  \n", Options{}, ErrEmpty},
		{"ragged row", "a,b\n1,2\n3\n", Options{}, ErrMalformed},
		{"duplicate header", "a,a\n1,2\n", Options{}, ErrMalformed},
		{"empty header", "a,\n1,2\n", Options{}, ErrMalformed},
		{"too many bytes", "a\n1\n", Options{MaxBytes: 2}, ErrTooLarge},
		{"too many rows", "a\n1\n2\n3\n", Options{MaxRows: 2}, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
