package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyBpsFloors(t *testing.T) {
	assert.Equal(t, int64(500), ApplyBps(10000, 500))
	assert.Equal(t, int64(33), ApplyBps(333, 1000))
	assert.Equal(t, int64(0), ApplyBps(10000, 0))
	assert.Equal(t, int64(0), ApplyBps(0, 500))
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$0.00", FormatUSD(0))
	assert.Equal(t, "$20.00", FormatUSD(2000))
	assert.Equal(t, "$1,234.05", FormatUSD(123405))
	assert.Equal(t, "$1,000,000.00", FormatUSD(100000000))
	assert.Equal(t, "-$5.10", FormatUSD(-510))
	assert.Equal(t, "50.00", FormatPlain(5000))
}

func TestParseCents(t *testing.T) {
	cases := map[string]int64{
		"20":       2000,
		"$1,234.5": 123450,
		"0.07":     7,
		"100.10":   10010,
		"  $5  ":   500,
		".5":       50,
	}
	for in, want := range cases {
		got, err := ParseCents(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "abc", "1.234", "1.", "12a"} {
		_, err := ParseCents(bad)
		assert.Error(t, err, bad)
	}
}
