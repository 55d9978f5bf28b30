package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	id := "7c9e6679-7425-40de-944b-e07fc1f90ae7"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)
	assert.NotContains(t, encoded, "=", "cursor is used in query strings")

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.At)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		"bm9waXBl", // "nopipe"
		"eHl6fGFi", // "xyz|ab", non-numeric time
		"MTIzNHw",  // "1234|", empty id
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursorFollows(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{At: at, ID: "m"}

	assert.True(t, c.Follows(at.Add(-time.Second), "z"), "older item")
	assert.False(t, c.Follows(at.Add(time.Second), "a"), "newer item")
	assert.True(t, c.Follows(at, "a"), "same time, lower id")
	assert.False(t, c.Follows(at, "m"), "the cursor item itself")
	assert.False(t, c.Follows(at, "z"), "same time, higher id")

	var none *Cursor
	assert.True(t, none.Follows(at, "m"))
}

func TestComputePage_NoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	result, cursor := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Equal(t, 3, len(result))
	require.NotEmpty(t, cursor)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
}
