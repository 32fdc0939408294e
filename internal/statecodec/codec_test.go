package statecodec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimfeld/ergo-sub000/internal/sandbox"
)

func roundTrip(t *testing.T, state sandbox.State) sandbox.State {
	t.Helper()
	data, err := Encode(state)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	return decoded
}

func TestScalars(t *testing.T) {
	when := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)
	state := sandbox.State{
		1: int64(5),
		2: "text",
		3: nil,
		4: true,
		5: 2.5,
		6: when,
		7: []byte{0x01, 0x02},
	}
	got := roundTrip(t, state)

	assert.Equal(t, int64(5), got[1])
	assert.Equal(t, "text", got[2])
	assert.Nil(t, got[3])
	assert.Equal(t, true, got[4])
	assert.Equal(t, 2.5, got[5])
	gotWhen, ok := got[6].(time.Time)
	require.True(t, ok, "date did not survive as time.Time: %T", got[6])
	assert.True(t, when.Equal(gotWhen))
	assert.Equal(t, []byte{0x01, 0x02}, got[7])
}

func TestNestedStructures(t *testing.T) {
	state := sandbox.State{
		1: map[string]any{
			"rows": []any{int64(1), int64(2), []any{"deep"}},
			"meta": map[string]any{"ok": true},
		},
	}
	got := roundTrip(t, state)

	m, ok := got[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, m["meta"])
	rows, ok := m["rows"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"deep"}, rows[2])
}

func TestIdentityCycle(t *testing.T) {
	self := map[string]any{"name": "loop"}
	self["me"] = self

	got := roundTrip(t, sandbox.State{1: self})
	m, ok := got[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "loop", m["name"])

	inner, ok := m["me"].(map[string]any)
	require.True(t, ok)
	// Identity, not just equality: mutating through one path must be
	// visible through the other.
	inner["name"] = "changed"
	assert.Equal(t, "changed", m["name"])
}

func TestSharedReference(t *testing.T) {
	shared := map[string]any{"n": int64(1)}
	state := sandbox.State{
		1: map[string]any{"left": shared, "right": shared},
	}
	got := roundTrip(t, state)

	m := got[1].(map[string]any)
	left := m["left"].(map[string]any)
	right := m["right"].(map[string]any)
	left["n"] = int64(2)
	assert.Equal(t, int64(2), right["n"], "shared reference split during round trip")
}

func TestUnsupportedValue(t *testing.T) {
	_, err := Encode(sandbox.State{1: func() {}})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestEmptyState(t *testing.T) {
	got := roundTrip(t, sandbox.State{})
	assert.Empty(t, got)
}
