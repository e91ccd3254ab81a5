package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "100.00", Format(10000))
	assert.Equal(t, "0.05", Format(5))
	assert.Equal(t, "-12.30", Format(-1230))
}

func TestParseAmount(t *testing.T) {
	cents, err := ParseAmount("100.25")
	require.NoError(t, err)
	assert.Equal(t, int64(10025), cents)

	cents, err = ParseAmount("7")
	require.NoError(t, err)
	assert.Equal(t, int64(700), cents)

	_, err = ParseAmount("1.005")
	assert.Error(t, err)
	_, err = ParseAmount("abc")
	assert.Error(t, err)
}

func TestNewAmount(t *testing.T) {
	amt := NewAmount(4999, "USD")
	assert.Equal(t, Amount{Cents: 4999, Formatted: "49.99", Currency: "USD"}, amt)
}
