// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package downloader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/meshcore/blobs"
	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/transport"
	"github.com/luxfi/meshcore/vfs"
)

// acceptForever keeps a peer's listener draining connections so Dial
// never blocks on a full accept queue.
func acceptForever(t *testing.T, l interface {
	Accept(ctx context.Context) (transport.Conn, error)
}) {
	t.Helper()
	go func() {
		for {
			conn, err := l.Accept(context.Background())
			if err != nil {
				return
			}
			_ = conn
		}
	}()
}

func recvResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Result")
		return Result{}
	}
}

func TestSchedulerSuccessfulDownload(t *testing.T) {
	net := transport.NewNetwork()
	good := ids.GenerateTestNodeID()
	acceptForever(t, net.Listen(good, transport.ALPNBytes))

	store := blobs.NewStore(vfs.NewMemory())
	fetch := func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error) {
		return 1024, nil
	}

	sched := New(net.Dialer(ids.GenerateTestNodeID()), fetch, store, config.DefaultDownloadParameters(), log.NewNoOpLogger())

	hash := hashid.HashBytes([]byte("blob-1"))
	ch := sched.Push(hash, []ids.NodeID{good})
	res := recvResult(t, ch)
	require.True(t, res.Ok)
	require.Equal(t, int64(1024), res.Size)
}

func TestSchedulerFailsOverToNextCandidate(t *testing.T) {
	net := transport.NewNetwork()
	bad := ids.GenerateTestNodeID()
	good := ids.GenerateTestNodeID()
	acceptForever(t, net.Listen(bad, transport.ALPNBytes))
	acceptForever(t, net.Listen(good, transport.ALPNBytes))

	store := blobs.NewStore(vfs.NewMemory())
	var mu sync.Mutex
	seen := map[ids.NodeID]bool{}
	fetch := func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error) {
		mu.Lock()
		seen[conn.Peer()] = true
		mu.Unlock()
		if conn.Peer() == bad {
			return 0, fmt.Errorf("wrap: %w", errs.ErrNotFound)
		}
		return 2048, nil
	}

	sched := New(net.Dialer(ids.GenerateTestNodeID()), fetch, store, config.DefaultDownloadParameters(), log.NewNoOpLogger())

	hash := hashid.HashBytes([]byte("blob-2"))
	ch := sched.Push(hash, []ids.NodeID{bad, good})
	res := recvResult(t, ch)
	require.True(t, res.Ok)
	require.Equal(t, int64(2048), res.Size)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, seen[bad])
	require.True(t, seen[good])
}

func TestSchedulerNoneWhenEveryCandidateFails(t *testing.T) {
	net := transport.NewNetwork()
	// No listener registered anywhere: dialing any peer fails.
	store := blobs.NewStore(vfs.NewMemory())
	fetch := func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error) {
		t.Fatal("fetch should never be called when dialing fails")
		return 0, nil
	}

	params := config.DefaultDownloadParameters()
	params.DialTimeout = 200 * time.Millisecond
	sched := New(net.Dialer(ids.GenerateTestNodeID()), fetch, store, params, log.NewNoOpLogger())

	hash := hashid.HashBytes([]byte("blob-3"))
	ch := sched.Push(hash, []ids.NodeID{ids.GenerateTestNodeID()})
	res := recvResult(t, ch)
	require.False(t, res.Ok)
	require.Equal(t, hash, res.Hash)
}

func TestSchedulerAlreadyPresentResolvesImmediately(t *testing.T) {
	store := blobs.NewStore(vfs.NewMemory())
	data := []byte("already have this")
	hash, err := store.ImportBytes(1, data, nil)
	require.NoError(t, err)

	net := transport.NewNetwork()
	fetch := func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error) {
		t.Fatal("fetch should never be called for an already-present blob")
		return 0, nil
	}
	sched := New(net.Dialer(ids.GenerateTestNodeID()), fetch, store, config.DefaultDownloadParameters(), log.NewNoOpLogger())

	ch := sched.Push(hash, []ids.NodeID{ids.GenerateTestNodeID()})
	res := recvResult(t, ch)
	require.True(t, res.Ok)
	require.Equal(t, int64(len(data)), res.Size)
}

func TestSchedulerFinishedWithNothingPendingIsNone(t *testing.T) {
	store := blobs.NewStore(vfs.NewMemory())
	net := transport.NewNetwork()
	hash := hashid.HashBytes([]byte("blob-4"))

	sched := New(net.Dialer(ids.GenerateTestNodeID()), nil, store, config.DefaultDownloadParameters(), log.NewNoOpLogger())

	// Nothing pending for this hash: Finished resolves to None immediately.
	res := recvResult(t, sched.Finished(hash))
	require.False(t, res.Ok)
}

func TestSchedulerFansResultToAllWaiters(t *testing.T) {
	net := transport.NewNetwork()
	p1 := ids.GenerateTestNodeID()
	p2 := ids.GenerateTestNodeID()
	acceptForever(t, net.Listen(p1, transport.ALPNBytes))
	acceptForever(t, net.Listen(p2, transport.ALPNBytes))

	store := blobs.NewStore(vfs.NewMemory())
	release := make(chan struct{})
	fetch := func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error) {
		<-release
		if conn.Peer() == p1 {
			return 0, fmt.Errorf("wrap: %w", errs.ErrNotFound)
		}
		return 42, nil
	}

	sched := New(net.Dialer(ids.GenerateTestNodeID()), fetch, store, config.DefaultDownloadParameters(), log.NewNoOpLogger())

	hash := hashid.HashBytes([]byte("blob-5"))
	first := sched.Push(hash, []ids.NodeID{p1, p2})
	second := sched.Finished(hash)
	third := sched.Finished(hash)
	close(release)

	for _, ch := range []<-chan Result{first, second, third} {
		res := recvResult(t, ch)
		require.True(t, res.Ok)
		require.Equal(t, hash, res.Hash)
		require.Equal(t, int64(42), res.Size)
	}
}
