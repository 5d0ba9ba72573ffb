package hashid

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytesDeterministic(t *testing.T) {
	data := []byte("meshcore blob")
	h1 := HashBytes(data)
	h2 := HashBytes(data)
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, HashBytes([]byte("different")))
}

func TestHashTextRoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var got Hash
	require.NoError(t, got.UnmarshalText(text))
	require.Equal(t, h, got)
}

func TestHashLessTotalOrder(t *testing.T) {
	a := Hash{0x01}
	b := Hash{0x02}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := make([]byte, 100_000)
	for i := range data {
		data[i] = byte(i)
	}
	want := HashBytes(data)

	got, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestAuthorSignVerify(t *testing.T) {
	author, err := NewAuthor()
	require.NoError(t, err)

	msg := []byte("record payload")
	sig := author.Sign(msg)
	require.True(t, VerifyAuthor(author.Id(), msg, sig))
	require.False(t, VerifyAuthor(author.Id(), []byte("tampered"), sig))

	other, err := NewAuthor()
	require.NoError(t, err)
	require.False(t, VerifyAuthor(other.Id(), msg, sig))
}

func TestNamespaceSignVerify(t *testing.T) {
	ns, err := NewNamespace()
	require.NoError(t, err)

	msg := []byte("record payload")
	sig := ns.Sign(msg)
	require.True(t, VerifyNamespace(ns.Id(), msg, sig))
	require.False(t, VerifyNamespace(ns.Id(), []byte("tampered"), sig))
}
