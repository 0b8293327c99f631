package numeric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    float64
		present bool
	}{
		{"plain integer", "42", 42, true},
		{"decimal", "123.45", 123.45, true},
		{"negative export", "-350.2", -350.2, true},
		{"empty string absent", "", 0, false},
		{"unavailable sentinel", "unavailable", 0, false},
		{"unknown sentinel", "unknown", 0, false},
		{"garbage string absent", "not-a-number", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := ParseState(tc.raw)
			require.Equal(t, tc.present, r.Present())
			if tc.present {
				v, ok := r.Value()
				assert.True(t, ok)
				assert.Equal(t, tc.want, v)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5.0, Clamp(5, 0, 10))
	assert.Equal(t, 0.0, Clamp(-3, 0, 10))
	assert.Equal(t, 10.0, Clamp(30, 0, 10))
}
