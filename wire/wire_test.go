package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	A int
	B string
}

func TestWriteLPReadLPRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLPValue(&buf, sample{A: 1, B: "hi"}))
	require.NoError(t, WriteLPValue(&buf, sample{A: 2, B: "bye"}))

	br := AsByteReader(&buf)

	var got sample
	require.NoError(t, ReadLPValue(br, &got))
	require.Equal(t, sample{A: 1, B: "hi"}, got)

	require.NoError(t, ReadLPValue(br, &got))
	require.Equal(t, sample{A: 2, B: "bye"}, got)

	_, err := ReadLP(br)
	require.ErrorIs(t, err, io.EOF)
}

func TestMarshalDeterministic(t *testing.T) {
	v := sample{A: 42, B: "x"}
	b1, err := Marshal(v)
	require.NoError(t, err)
	b2, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}
