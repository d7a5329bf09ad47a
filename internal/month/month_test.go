package month

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("2025-06"))
	assert.NoError(t, Validate("1999-01"))

	assert.ErrorIs(t, Validate("2025-13"), ErrInvalidMonth)
	assert.ErrorIs(t, Validate("2025-6"), ErrInvalidMonth)
	assert.ErrorIs(t, Validate("2025/06"), ErrInvalidMonth)
	assert.ErrorIs(t, Validate(""), ErrInvalidMonth)
	assert.ErrorIs(t, Validate("june 2025"), ErrInvalidMonth)
}

func TestStartAndEnd(t *testing.T) {
	start, err := Start("2025-06")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), start)

	end, err := End("2025-06")
	require.NoError(t, err)
	assert.True(t, end.Before(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 30, end.Day())

	// February in a leap year.
	end, err = End("2024-02")
	require.NoError(t, err)
	assert.Equal(t, 29, end.Day())
}

func TestAddMonths(t *testing.T) {
	next, err := AddMonths("2025-11", 2)
	require.NoError(t, err)
	assert.Equal(t, "2026-01", next)

	prev, err := AddMonths("2025-01", -1)
	require.NoError(t, err)
	assert.Equal(t, "2024-12", prev)

	_, err = AddMonths("garbage", 1)
	assert.ErrorIs(t, err, ErrInvalidMonth)
}

func TestLexicographicOrderMatchesChronological(t *testing.T) {
	assert.True(t, "2024-12" < "2025-01")
	assert.True(t, "2025-09" < "2025-10")
}

func TestFromTime(t *testing.T) {
	assert.Equal(t, "2025-06", FromTime(time.Date(2025, 6, 15, 22, 0, 0, 0, time.UTC)))
}
