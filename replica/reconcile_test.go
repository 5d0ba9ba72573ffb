// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package replica

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/ranger"
)

// TestReplicaReconciliationConverges: two stores with disjoint keys,
// plus one key written by both with different timestamps, converge to
// an identical key set with the later write winning everywhere.
func TestReplicaReconciliationConverges(t *testing.T) {
	ns, err := hashid.NewNamespace()
	require.NoError(t, err)
	author, err := hashid.NewAuthor()
	require.NoError(t, err)

	storeA := NewStore(ns.Id(), config.DefaultReplicaParameters())
	storeB := NewStore(ns.Id(), config.DefaultReplicaParameters())
	params := config.DefaultReconcileParameters()

	for i := 0; i < 10; i++ {
		e := signedPut(ns, author, []byte{byte(i)}, hashid.HashBytes([]byte{byte(i), 0xaa}), int64(i))
		require.NoError(t, storeA.Put(Origin{Kind: OriginLocal}, e))
	}
	for i := 10; i < 20; i++ {
		e := signedPut(ns, author, []byte{byte(i)}, hashid.HashBytes([]byte{byte(i), 0xbb}), int64(i))
		require.NoError(t, storeB.Put(Origin{Kind: OriginLocal}, e))
	}

	// Key 5 written by both, B's write is later and must win everywhere.
	olderShared := signedPut(ns, author, []byte{5}, hashid.HashBytes([]byte("old-shared")), 1)
	newerShared := signedPut(ns, author, []byte{5}, hashid.HashBytes([]byte("new-shared")), 999)
	require.NoError(t, storeA.Put(Origin{Kind: OriginLocal}, olderShared))
	require.NoError(t, storeB.Put(Origin{Kind: OriginLocal}, newerShared))

	viewA := storeA.AsRanger(Origin{Kind: OriginRemote})
	viewB := storeB.AsRanger(Origin{Kind: OriginRemote})

	msg, err := ranger.InitialMessage(viewA)
	require.NoError(t, err)

	turn, other := ranger.Store(viewB), ranger.Store(viewA)
	for round := 0; round < 40; round++ {
		reply, err := ranger.Respond(turn, params, msg)
		require.NoError(t, err)
		if reply.IsEmpty() && msg.IsEmpty() {
			break
		}
		msg = reply
		turn, other = other, turn
	}
	_ = other

	final, ok := storeA.GetLatestByKeyAndAuthor([]byte{5}, author.Id())
	require.True(t, ok)
	require.Equal(t, newerShared.Record.ContentHash, final.Record.ContentHash)

	finalB, ok := storeB.GetLatestByKeyAndAuthor([]byte{5}, author.Id())
	require.True(t, ok)
	require.Equal(t, newerShared.Record.ContentHash, finalB.Record.ContentHash)

	require.Equal(t, storeA.Len(), storeB.Len())
}
