// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package downloader

import (
	"context"
	"math/rand"
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/meshcore/blobs"
	"github.com/luxfi/meshcore/collection"
	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/provider"
	"github.com/luxfi/meshcore/transport"
	"github.com/luxfi/meshcore/vfs"
)

// serveBlobs runs a provider over store for peer until ctx ends.
func serveBlobs(ctx context.Context, net *transport.Network, peer ids.NodeID, store *blobs.Store) {
	l := net.Listen(peer, transport.ALPNBytes)
	p := provider.New[*blobs.Store, provider.NoopEvents, collection.DefaultParser](
		store, provider.NoopEvents{}, collection.DefaultParser{}, config.DefaultProviderParameters())
	srv := provider.NewServer(l, p, log.NewNoOpLogger())
	go func() { _ = srv.Run(ctx) }()
}

// TestBlobFetchRoundTrip drives the real fetch path end to end: the
// scheduler dials a provider, receives verified frames, and commits
// the blob into the local store.
func TestBlobFetchRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverStore := blobs.NewStore(vfs.NewMemory())
	data := make([]byte, 300*1024)
	_, err := rand.New(rand.NewSource(11)).Read(data)
	require.NoError(t, err)
	hash, err := serverStore.ImportBytes(1, data, nil)
	require.NoError(t, err)

	net := transport.NewNetwork()
	serverID := ids.GenerateTestNodeID()
	serveBlobs(ctx, net, serverID, serverStore)

	clientStore := blobs.NewStore(vfs.NewMemory())
	sched := New(net.Dialer(ids.GenerateTestNodeID()), NewBlobFetch(clientStore), clientStore, config.DefaultDownloadParameters(), log.NewNoOpLogger())

	res := recvResult(t, sched.Push(hash, []ids.NodeID{serverID}))
	require.True(t, res.Ok)
	require.Equal(t, int64(len(data)), res.Size)

	e, ok := clientStore.Get(hash)
	require.True(t, ok)
	require.Equal(t, int64(len(data)), e.Size())
	r, err := e.DataReader()
	require.NoError(t, err)
	got := make([]byte, len(data))
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestBlobFetchReportsNotFound asks a live provider for a hash it
// does not have: the provider finishes the stream cleanly and the
// fetch maps that to NotFound, exhausting the candidate.
func TestBlobFetchReportsNotFound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := transport.NewNetwork()
	serverID := ids.GenerateTestNodeID()
	serveBlobs(ctx, net, serverID, blobs.NewStore(vfs.NewMemory()))

	clientStore := blobs.NewStore(vfs.NewMemory())
	sched := New(net.Dialer(ids.GenerateTestNodeID()), NewBlobFetch(clientStore), clientStore, config.DefaultDownloadParameters(), log.NewNoOpLogger())

	missing := hashid.HashBytes([]byte("nobody imported this"))
	res := recvResult(t, sched.Push(missing, []ids.NodeID{serverID}))
	require.False(t, res.Ok)
}
