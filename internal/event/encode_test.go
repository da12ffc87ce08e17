package event

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testEvent() Event {
	var p0, p1 Hash
	p0[0] = 0xaa
	p1[31] = 0xbb
	return Event{
		Header: Header{
			Timestamp: 1_700_000_000,
			Parents:   [NumParents]Hash{p0, p1},
			Layer:     7,
		},
		Content: []byte("hello"),
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	e := testEvent()

	decoded, err := Unmarshal(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
	assert.Equal(t, e.ID(), decoded.ID())
}

func TestMarshal_EmptyContentRoundTrip(t *testing.T) {
	g := Genesis(86400)

	decoded, err := Unmarshal(g.Marshal())
	require.NoError(t, err)
	assert.Nil(t, decoded.Content)
	assert.Equal(t, g, decoded)
}

func TestMarshal_Deterministic(t *testing.T) {
	e := testEvent()
	assert.Equal(t, e.Marshal(), e.Marshal())
	assert.Equal(t, e.ID(), testEvent().ID())
}

func TestUnmarshal_RejectsTrailingBytes(t *testing.T) {
	data := append(testEvent().Marshal(), 0x00)
	_, err := Unmarshal(data)
	assert.Error(t, err)
}

func TestUnmarshal_RejectsTruncated(t *testing.T) {
	data := testEvent().Marshal()
	for _, n := range []int{0, 1, 5, len(data) - 1} {
		_, err := Unmarshal(data[:n])
		assert.Error(t, err, "truncated at %d", n)
	}
}

func TestUnmarshal_RejectsNonMinimalVarint(t *testing.T) {
	e := testEvent()
	canonical := e.Marshal()

	// Re-encode the timestamp with a padded (non-minimal) varint.
	var b []byte
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Header.Timestamp)
	rest := canonical[len(b):]

	padded := protowire.AppendTag(nil, fieldTimestamp, protowire.VarintType)
	padded = append(padded, protowire.AppendVarint(nil, e.Header.Timestamp)...)
	padded[len(padded)-1] |= 0x80
	padded = append(padded, 0x00)
	padded = append(padded, rest...)

	_, err := Unmarshal(padded)
	assert.Error(t, err)
}

func TestUnmarshal_RejectsReorderedFields(t *testing.T) {
	e := testEvent()
	var b []byte
	b = protowire.AppendTag(b, fieldLayer, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Header.Layer))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Header.Timestamp)

	_, err := Unmarshal(b)
	assert.Error(t, err)
}

func TestUnmarshal_RejectsShortParent(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, fieldParent, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{1, 2, 3})

	_, err := Unmarshal(b)
	assert.Error(t, err)
}

func TestProperty_RoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Unmarshal(Marshal(e)) == e and ID is stable", prop.ForAll(
		func(ts uint64, layer uint32, content []byte, seed uint8) bool {
			e := Event{Header: Header{Timestamp: ts, Layer: layer}}
			for i := 0; i < int(seed)%(NumParents+1); i++ {
				e.Header.Parents[i][0] = seed
				e.Header.Parents[i][1] = byte(i + 1)
			}
			if len(content) > 0 {
				e.Content = content
			}

			decoded, err := Unmarshal(e.Marshal())
			if err != nil {
				return false
			}
			return decoded.ID() == e.ID() && string(decoded.Content) == string(e.Content) &&
				decoded.Header == e.Header
		},
		gen.UInt64(),
		gen.UInt32(),
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
