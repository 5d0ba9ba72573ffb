// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package downloader implements the download scheduler: a queue of
// (hash, candidate peers) requests that dials peers, multiplexes at
// most one in-flight download per peer, and fans each hash's result
// back to every waiter.
package downloader

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/meshcore/blobs"
	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/transport"
)

// Result is the outcome delivered to every waiter of a hash: either a
// verified size on success, or Ok=false once every candidate peer
// has been exhausted.
type Result struct {
	Hash hashid.Hash
	Size int64
	Ok   bool
}

// FetchFunc performs the actual verified transfer of hash over an
// established connection, returning the blob's size on success. It
// must return an error wrapping errs.ErrNotFound (peer does not have
// the blob) or errs.ErrIntegrity (peer's bytes failed verification)
// to distinguish a recoverable per-peer failure from one that should
// drop the connection entirely.
type FetchFunc func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error)

// Scheduler matches queued (hash, candidate peers) requests to
// in-flight transfers.
type Scheduler struct {
	dialer transport.Dialer
	fetch  FetchFunc
	blobs  blobs.BaoMap
	params config.DownloadParameters
	log    log.Logger

	mu               sync.Mutex
	candidatesByHash map[hashid.Hash][]ids.NodeID
	candidatesByPeer map[ids.NodeID][]hashid.Hash
	runningByHash    map[hashid.Hash]ids.NodeID
	runningByPeer    map[ids.NodeID]hashid.Hash
	replies          map[hashid.Hash][]chan Result
	conns            map[ids.NodeID]transport.Conn
	dialSems         map[ids.NodeID]*semaphore.Weighted
}

// New builds a Scheduler that dials peers through dialer and performs
// transfers with fetch, consulting blobMap to short-circuit requests
// for content already held locally.
func New(dialer transport.Dialer, fetch FetchFunc, blobMap blobs.BaoMap, params config.DownloadParameters, logger log.Logger) *Scheduler {
	return &Scheduler{
		dialer:           dialer,
		fetch:            fetch,
		blobs:            blobMap,
		params:           params,
		log:              logger,
		candidatesByHash: make(map[hashid.Hash][]ids.NodeID),
		candidatesByPeer: make(map[ids.NodeID][]hashid.Hash),
		runningByHash:    make(map[hashid.Hash]ids.NodeID),
		runningByPeer:    make(map[ids.NodeID]hashid.Hash),
		replies:          make(map[hashid.Hash][]chan Result),
		conns:            make(map[ids.NodeID]transport.Conn),
		dialSems:         make(map[ids.NodeID]*semaphore.Weighted),
	}
}

func resolved(r Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- r
	close(ch)
	return ch
}

// Push registers peers as candidates for hash and returns a channel
// that receives exactly one Result. If the blob is already present
// locally, the waiter is satisfied immediately.
func (s *Scheduler) Push(hash hashid.Hash, peers []ids.NodeID) <-chan Result {
	if entry, ok := s.blobs.Get(hash); ok {
		return resolved(Result{Hash: hash, Size: entry.Size(), Ok: true})
	}

	s.mu.Lock()
	ch := make(chan Result, 1)
	s.replies[hash] = append(s.replies[hash], ch)
	for _, p := range peers {
		s.addCandidateLocked(hash, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		s.ensureDialing(p)
	}
	return ch
}

// Finished returns the shared future for hash: an already-resolved
// not-found Result if nothing is pending for it, otherwise a channel
// joining the existing waiters.
func (s *Scheduler) Finished(hash hashid.Hash) <-chan Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, running := s.runningByHash[hash]
	if !running && len(s.candidatesByHash[hash]) == 0 {
		return resolved(Result{Hash: hash, Ok: false})
	}
	ch := make(chan Result, 1)
	s.replies[hash] = append(s.replies[hash], ch)
	return ch
}

func (s *Scheduler) addCandidateLocked(hash hashid.Hash, peer ids.NodeID) {
	if s.runningByHash[hash] == peer {
		return
	}
	for _, h := range s.candidatesByHash[hash] {
		if h == peer {
			return
		}
	}
	s.candidatesByHash[hash] = append(s.candidatesByHash[hash], peer)
	s.candidatesByPeer[peer] = append(s.candidatesByPeer[peer], hash)
}

// ensureNoEmptyLocked drops zero-length slice entries from both
// candidate maps. Caller must hold s.mu.
func (s *Scheduler) ensureNoEmptyLocked() {
	for h, peers := range s.candidatesByHash {
		if len(peers) == 0 {
			delete(s.candidatesByHash, h)
		}
	}
	for p, hashes := range s.candidatesByPeer {
		if len(hashes) == 0 {
			delete(s.candidatesByPeer, p)
		}
	}
}

func removeHash(list []hashid.Hash, h hashid.Hash) []hashid.Hash {
	for i, x := range list {
		if x == h {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func removePeer(list []ids.NodeID, p ids.NodeID) []ids.NodeID {
	for i, x := range list {
		if x == p {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func (s *Scheduler) peerDialSem(peer ids.NodeID) *semaphore.Weighted {
	if sem, ok := s.dialSems[peer]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(1)
	s.dialSems[peer] = sem
	return sem
}

// ensureDialing dials peer if it is not already connected, bounding
// concurrent dials to this peer to one in flight.
func (s *Scheduler) ensureDialing(peer ids.NodeID) {
	s.mu.Lock()
	if _, connected := s.conns[peer]; connected {
		s.mu.Unlock()
		s.tryStartNext(peer)
		return
	}
	sem := s.peerDialSem(peer)
	s.mu.Unlock()

	if !sem.TryAcquire(1) {
		return // a dial to this peer is already in flight
	}

	go func() {
		defer sem.Release(1)
		ctx := context.Background()
		if s.params.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.params.DialTimeout)
			defer cancel()
		}
		conn, err := s.dialer.Dial(ctx, peer, transport.ALPNBytes)
		if err != nil {
			s.log.Debug("downloader: dial failed", "peer", peer, "err", err)
			s.onPeerFailure(peer, err)
			return
		}
		s.mu.Lock()
		s.conns[peer] = conn
		s.mu.Unlock()
		s.tryStartNext(peer)
	}()
}

// tryStartNext picks the first candidate hash for peer that has no
// running download yet and launches its fetch. If peer has nothing
// startable right now its connection is dropped, but its candidate
// assignments are kept: a hash running elsewhere may still fail over
// to this peer, which re-dials on demand.
func (s *Scheduler) tryStartNext(peer ids.NodeID) {
	s.mu.Lock()
	if _, busy := s.runningByPeer[peer]; busy {
		s.mu.Unlock()
		return
	}

	var chosen hashid.Hash
	found := false
	for _, h := range s.candidatesByPeer[peer] {
		if _, running := s.runningByHash[h]; !running {
			chosen, found = h, true
			break
		}
	}
	if !found {
		conn := s.conns[peer]
		delete(s.conns, peer)
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	s.runningByHash[chosen] = peer
	s.runningByPeer[peer] = chosen
	s.candidatesByPeer[peer] = removeHash(s.candidatesByPeer[peer], chosen)
	s.candidatesByHash[chosen] = removePeer(s.candidatesByHash[chosen], peer)
	s.ensureNoEmptyLocked()
	conn := s.conns[peer]
	s.mu.Unlock()

	go s.runFetch(peer, chosen, conn)
}

func (s *Scheduler) runFetch(peer ids.NodeID, hash hashid.Hash, conn transport.Conn) {
	ctx := context.Background()
	size, err := s.fetch(ctx, conn, hash)
	switch {
	case err == nil:
		s.onSuccess(peer, hash, size)
	case errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrIntegrity):
		// An integrity failure means this peer cannot supply this
		// hash; a different peer may still succeed.
		s.onNotFound(peer, hash)
	default:
		s.onPeerFailure(peer, err)
	}
}

func (s *Scheduler) onSuccess(peer ids.NodeID, hash hashid.Hash, size int64) {
	s.mu.Lock()
	delete(s.runningByHash, hash)
	delete(s.runningByPeer, peer)

	// Every other candidate for this hash is now moot.
	for _, other := range s.candidatesByHash[hash] {
		s.candidatesByPeer[other] = removeHash(s.candidatesByPeer[other], hash)
	}
	delete(s.candidatesByHash, hash)
	s.ensureNoEmptyLocked()

	waiters := s.replies[hash]
	delete(s.replies, hash)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- Result{Hash: hash, Size: size, Ok: true}
		close(ch)
	}
	s.tryStartNext(peer)
}

func (s *Scheduler) onNotFound(peer ids.NodeID, hash hashid.Hash) {
	s.mu.Lock()
	delete(s.runningByHash, hash)
	delete(s.runningByPeer, peer)
	s.ensureNoEmptyLocked()

	var waiters []chan Result
	var next ids.NodeID
	hasNext := false
	if candidates := s.candidatesByHash[hash]; len(candidates) == 0 {
		waiters = s.replies[hash]
		delete(s.replies, hash)
	} else {
		next = candidates[0]
		hasNext = true
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- Result{Hash: hash, Ok: false}
		close(ch)
	}
	if hasNext {
		// Fail the hash over to its next candidate, re-dialing if its
		// connection was dropped while it sat idle.
		s.ensureDialing(next)
	}
	s.tryStartNext(peer)
}

// onPeerFailure drops peer's connection, running assignment, and
// entire candidate list, notifying any hash left with no remaining
// candidates and nothing running.
func (s *Scheduler) onPeerFailure(peer ids.NodeID, err error) {
	s.log.Debug("downloader: peer failed", "peer", peer, "err", err)

	s.mu.Lock()
	var affected []hashid.Hash
	if h, ok := s.runningByPeer[peer]; ok {
		affected = append(affected, h)
		delete(s.runningByHash, h)
		delete(s.runningByPeer, peer)
	}
	for _, h := range s.candidatesByPeer[peer] {
		s.candidatesByHash[h] = removePeer(s.candidatesByHash[h], peer)
		affected = append(affected, h)
	}
	delete(s.candidatesByPeer, peer)
	conn := s.conns[peer]
	delete(s.conns, peer)
	s.ensureNoEmptyLocked()

	type pending struct {
		hash    hashid.Hash
		waiters []chan Result
	}
	var toNotify []pending
	var toKick []ids.NodeID
	seen := make(map[hashid.Hash]bool)
	for _, h := range affected {
		if seen[h] {
			continue
		}
		seen[h] = true
		_, running := s.runningByHash[h]
		if candidates := s.candidatesByHash[h]; running || len(candidates) > 0 {
			if !running && len(candidates) > 0 {
				toKick = append(toKick, candidates[0])
			}
			continue
		}
		toNotify = append(toNotify, pending{hash: h, waiters: s.replies[h]})
		delete(s.replies, h)
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range toNotify {
		for _, ch := range p.waiters {
			ch <- Result{Hash: p.hash, Ok: false}
			close(ch)
		}
	}
	for _, p := range toKick {
		s.ensureDialing(p)
	}
}
