package rangespec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetMergesOverlaps(t *testing.T) {
	s := NewSet(ChunkRange{0, 5}, ChunkRange{3, 10}, ChunkRange{20, 30})
	require.Equal(t, []ChunkRange{{0, 10}, {20, 30}}, s.Ranges())
}

func TestSpecRejectsNonIncreasingOffsets(t *testing.T) {
	_, err := NewSpec(Entry{Offset: 2, Set: All()}, Entry{Offset: 1, Set: All()})
	require.Error(t, err)
}

func TestRootOnly(t *testing.T) {
	spec, err := NewSpec(Entry{Offset: 0, Set: All()})
	require.NoError(t, err)
	require.True(t, spec.RootOnly())

	spec, err = NewSpec(
		Entry{Offset: 0, Set: All()},
		Entry{Offset: 2, Set: NewSet(ChunkRange{0, 1})},
	)
	require.NoError(t, err)
	require.False(t, spec.RootOnly())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	spec, err := NewSpec(
		Entry{Offset: 0, Set: All()},
		Entry{Offset: 2, Set: NewSet(ChunkRange{0, 1})},
		Entry{Offset: 4, Set: All()},
	)
	require.NoError(t, err)

	encoded := spec.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, spec.Entries(), decoded.Entries())
}
