// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provider

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/meshcore/baostream"
	"github.com/luxfi/meshcore/blobs"
	"github.com/luxfi/meshcore/collection"
	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/rangespec"
	"github.com/luxfi/meshcore/transport"
	"github.com/luxfi/meshcore/vfs"
	"github.com/luxfi/meshcore/wire"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(42)).Read(b)
	require.NoError(t, err)
	return b
}

func newLoopback(t *testing.T) (transport.Conn, transport.Conn) {
	t.Helper()
	net := transport.NewNetwork()
	serverID := ids.GenerateTestNodeID()
	l := net.Listen(serverID, transport.ALPNBytes)

	clientConn := make(chan transport.Conn, 1)
	go func() {
		conn, err := net.Dialer(ids.GenerateTestNodeID()).Dial(context.Background(), serverID, transport.ALPNBytes)
		require.NoError(t, err)
		clientConn <- conn
	}()

	serverConn, err := l.Accept(context.Background())
	require.NoError(t, err)
	return serverConn, <-clientConn
}

// TestSingleBlobRoundTrip requests a single blob's full range and
// verifies the decoded bytes match the import.
func TestSingleBlobRoundTrip(t *testing.T) {
	store := blobs.NewStore(vfs.NewMemory())
	data := randBytes(t, 200*1024)
	root, err := store.ImportBytes(1, data, nil)
	require.NoError(t, err)

	p := New[*blobs.Store, *ChannelEvents, collection.DefaultParser](store, NewChannelEvents(64), collection.DefaultParser{}, config.DefaultProviderParameters())

	serverConn, clientConn := newLoopback(t)
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		stream, err := serverConn.AcceptBi(context.Background())
		if err != nil {
			done <- err
			return
		}
		defer stream.Close()
		done <- p.HandleStream(serverConn.ID(), stream)
	}()

	stream, err := clientConn.OpenBi(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	spec, err := rangespec.NewSpec(rangespec.Entry{Offset: 0, Set: rangespec.All()})
	require.NoError(t, err)
	req := Request{Kind: KindGet, Get: &GetRequest{Hash: root, Ranges: spec}}
	require.NoError(t, wire.WriteLPValue(stream, req))
	require.NoError(t, stream.CloseSend())

	var out []byte
	sink := &byteSink{&out}
	_, err = baostream.Decode(bufio.NewReader(stream), root, int64(len(data)), rangespec.All(), sink)
	require.NoError(t, err)
	require.Equal(t, data, out)

	require.NoError(t, <-done)
}

type byteSink struct {
	out *[]byte
}

func (s *byteSink) Write(p []byte) (int, error) {
	*s.out = append(*s.out, p...)
	return len(p), nil
}

// TestCollectionPartialSelection requests the root, the first chunk
// of one large child, and all of another, and verifies exactly those
// bytes arrive. The sub-range request exercises the decode path that
// cannot fall back to re-hashing the whole blob.
func TestCollectionPartialSelection(t *testing.T) {
	store := blobs.NewStore(vfs.NewMemory())

	childSizes := []int{1 * 1024, 100 * 1024, 10 * 1024, 1000 * 1024}
	var children []hashid.Hash
	var sizes []uint64
	childData := make(map[hashid.Hash][]byte)
	for i, n := range childSizes {
		data := randBytes(t, n)
		h, err := store.ImportBytes(uint64(i+2), data, nil)
		require.NoError(t, err)
		children = append(children, h)
		sizes = append(sizes, uint64(len(data)))
		childData[h] = data
	}
	collBytes, err := collection.Encode(children, sizes)
	require.NoError(t, err)
	root, err := store.ImportBytes(1, collBytes, nil)
	require.NoError(t, err)

	p := New[*blobs.Store, *ChannelEvents, collection.DefaultParser](store, NewChannelEvents(64), collection.DefaultParser{}, config.DefaultProviderParameters())

	serverConn, clientConn := newLoopback(t)
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		stream, err := serverConn.AcceptBi(context.Background())
		if err != nil {
			done <- err
			return
		}
		defer stream.Close()
		done <- p.HandleStream(serverConn.ID(), stream)
	}()

	stream, err := clientConn.OpenBi(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	// Root in full, the first chunk of child 1 (offset 2, 100 KiB so a
	// genuine sub-range), and all of child 3 (offset 4).
	firstChunk := rangespec.NewSet(rangespec.ChunkRange{Start: 0, End: 1})
	spec, err := rangespec.NewSpec(
		rangespec.Entry{Offset: 0, Set: rangespec.All()},
		rangespec.Entry{Offset: 2, Set: firstChunk},
		rangespec.Entry{Offset: 4, Set: rangespec.All()},
	)
	require.NoError(t, err)
	req := Request{Kind: KindGet, Get: &GetRequest{Hash: root, Ranges: spec}}
	require.NoError(t, wire.WriteLPValue(stream, req))
	require.NoError(t, stream.CloseSend())

	br := bufio.NewReader(stream)

	var rootOut []byte
	_, err = baostream.Decode(br, root, int64(len(collBytes)), rangespec.All(), &byteSink{&rootOut})
	require.NoError(t, err)
	require.Equal(t, collBytes, rootOut)

	var child1Out []byte
	_, err = baostream.Decode(br, children[1], int64(len(childData[children[1]])), firstChunk, &byteSink{&child1Out})
	require.NoError(t, err)
	require.Equal(t, childData[children[1]][:rangespec.ChunkSize], child1Out)

	var child3Out []byte
	_, err = baostream.Decode(br, children[3], int64(len(childData[children[3]])), rangespec.All(), &byteSink{&child3Out})
	require.NoError(t, err)
	require.Equal(t, childData[children[3]], child3Out)

	require.NoError(t, <-done)
}

// TestMissingChildAbortsCleanly: a collection
// referencing a child hash the store does not have aborts that
// transfer with a NotFound event and a nil error, not a protocol
// failure.
func TestMissingChildAbortsCleanly(t *testing.T) {
	store := blobs.NewStore(vfs.NewMemory())

	data := randBytes(t, 4096)
	present, err := store.ImportBytes(2, data, nil)
	require.NoError(t, err)
	missing := hashid.HashBytes([]byte("this blob was never imported"))

	collBytes, err := collection.Encode([]hashid.Hash{present, missing}, []uint64{uint64(len(data)), 4096})
	require.NoError(t, err)
	root, err := store.ImportBytes(1, collBytes, nil)
	require.NoError(t, err)

	events := NewChannelEvents(64)
	p := New[*blobs.Store, *ChannelEvents, collection.DefaultParser](store, events, collection.DefaultParser{}, config.DefaultProviderParameters())

	serverConn, clientConn := newLoopback(t)
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		stream, err := serverConn.AcceptBi(context.Background())
		if err != nil {
			done <- err
			return
		}
		defer stream.Close()
		done <- p.HandleStream(serverConn.ID(), stream)
	}()

	stream, err := clientConn.OpenBi(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	spec, err := rangespec.NewSpec(rangespec.Entry{Offset: 2, Set: rangespec.All()})
	require.NoError(t, err)
	req := Request{Kind: KindGet, Get: &GetRequest{Hash: root, Ranges: spec}}
	require.NoError(t, wire.WriteLPValue(stream, req))
	require.NoError(t, stream.CloseSend())

	require.NoError(t, <-done)

	var sawAbort bool
	close(events.C)
	for ev := range events.C {
		if ev.Kind == EventTransferAborted {
			require.Equal(t, AbortNotFound, ev.Reason)
			sawAbort = true
		}
	}
	require.True(t, sawAbort)
}

// TestAuthorizationRejection: a request failing authorization aborts
// with an ErrAuthorization-wrapped error and never reaches serve.
func TestAuthorizationRejection(t *testing.T) {
	store := blobs.NewStore(vfs.NewMemory())
	data := randBytes(t, 1024)
	root, err := store.ImportBytes(1, data, nil)
	require.NoError(t, err)

	p := New[*blobs.Store, *ChannelEvents, collection.DefaultParser](store, NewChannelEvents(64), collection.DefaultParser{}, config.DefaultProviderParameters())
	p.Authorize = denyAll{}

	serverConn, clientConn := newLoopback(t)
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		stream, err := serverConn.AcceptBi(context.Background())
		if err != nil {
			done <- err
			return
		}
		defer stream.Close()
		done <- p.HandleStream(serverConn.ID(), stream)
	}()

	stream, err := clientConn.OpenBi(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	spec, err := rangespec.NewSpec(rangespec.Entry{Offset: 0, Set: rangespec.All()})
	require.NoError(t, err)
	req := Request{Kind: KindGet, Get: &GetRequest{Hash: root, Ranges: spec}}
	require.NoError(t, wire.WriteLPValue(stream, req))
	require.NoError(t, stream.CloseSend())

	err = <-done
	require.Error(t, err)
}

type denyAll struct{}

func (denyAll) Authorize(token []byte, req Request) error {
	return errDenied
}

var errDenied = errors.New("provider: denied")

// TestExtraBytesAbortsAsProtocolViolation: a client that writes a
// valid Get request followed by one extra byte gets a protocol error,
// a TransferAborted event, and a closed stream.
func TestExtraBytesAbortsAsProtocolViolation(t *testing.T) {
	store := blobs.NewStore(vfs.NewMemory())
	data := randBytes(t, 1024)
	root, err := store.ImportBytes(1, data, nil)
	require.NoError(t, err)

	events := NewChannelEvents(64)
	p := New[*blobs.Store, *ChannelEvents, collection.DefaultParser](store, events, collection.DefaultParser{}, config.DefaultProviderParameters())

	serverConn, clientConn := newLoopback(t)
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		stream, err := serverConn.AcceptBi(context.Background())
		if err != nil {
			done <- err
			return
		}
		defer stream.Close()
		done <- p.HandleStream(serverConn.ID(), stream)
	}()

	stream, err := clientConn.OpenBi(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	spec, err := rangespec.NewSpec(rangespec.Entry{Offset: 0, Set: rangespec.All()})
	require.NoError(t, err)
	req := Request{Kind: KindGet, Get: &GetRequest{Hash: root, Ranges: spec}}
	payload, err := wire.Marshal(req)
	require.NoError(t, err)

	// Build the length-prefixed frame and the trailing byte as one
	// buffer and issue a single Write: the in-memory transport's
	// net.Pipe matches each Read to exactly one Write, so a separate
	// Write for the extra byte would never reach the server's bufio
	// buffer within the single fill that reads the frame.
	var lenPrefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenPrefix[:], uint64(len(payload)))
	buf := append([]byte{}, lenPrefix[:n]...)
	buf = append(buf, payload...)
	buf = append(buf, 0xff)
	_, err = stream.Write(buf)
	require.NoError(t, err)
	require.NoError(t, stream.CloseSend())

	err = <-done
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrProtocol)

	var sawAbort bool
	close(events.C)
	for ev := range events.C {
		if ev.Kind == EventTransferAborted {
			sawAbort = true
		}
	}
	require.True(t, sawAbort)
}
