package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_ChangesOnAnyBitFlip(t *testing.T) {
	e := testEvent()
	base := e.ID()

	e2 := testEvent()
	e2.Content[0] ^= 0x01
	assert.NotEqual(t, base, e2.ID(), "content change must change id")

	e3 := testEvent()
	e3.Header.Timestamp++
	assert.NotEqual(t, base, e3.ID(), "timestamp change must change id")

	e4 := testEvent()
	e4.Header.Parents[1][0] ^= 0x80
	assert.NotEqual(t, base, e4.ID(), "parent change must change id")

	e5 := testEvent()
	e5.Header.Layer++
	assert.NotEqual(t, base, e5.ID(), "layer change must change id")
}

func TestHashWithDomain_Separation(t *testing.T) {
	data := []byte("payload")
	assert.NotEqual(t, hashWithDomain("a", data), hashWithDomain("b", data))
	// "ab" + 0x00 + "c" must not collide with "a" + 0x00 + "bc"
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestGenesis_DependsOnlyOnBoundary(t *testing.T) {
	assert.Equal(t, Genesis(172800).ID(), Genesis(172800).ID())
	assert.NotEqual(t, Genesis(172800).ID(), Genesis(259200).ID())

	g := Genesis(172800)
	assert.True(t, g.IsGenesis())
	assert.Equal(t, uint32(0), g.Header.Layer)
	assert.Empty(t, g.NonNullParents())
}

func TestNonNullParents(t *testing.T) {
	e := testEvent()
	parents := e.NonNullParents()
	require.Len(t, parents, 2)
	assert.Equal(t, e.Header.Parents[0], parents[0])
	assert.False(t, e.IsGenesis())
}

func TestParseHash(t *testing.T) {
	id := testEvent().ID()

	parsed, err := ParseHash(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseHash("zz")
	assert.Error(t, err)
	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

func TestHash_JSONText(t *testing.T) {
	id := testEvent().ID()
	data, err := json.Marshal(map[string]Hash{"id": id})
	require.NoError(t, err)

	var out map[string]Hash
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out["id"])
}

func TestLess(t *testing.T) {
	var lo, hi Hash
	hi[0] = 1
	assert.True(t, Less(1, hi, 2, lo), "timestamp dominates")
	assert.True(t, Less(5, lo, 5, hi), "id breaks ties")
	assert.False(t, Less(5, hi, 5, hi))
}
