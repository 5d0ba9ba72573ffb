// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package replica

import (
	"fmt"
	"sync"

	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
)

// Registry owns a node's replicas and author keys: one Store per
// namespace, plus the signing keys this node can author or publish
// under. Lookups by verifying id return only what was created or
// imported here; the registry never fabricates keys.
type Registry struct {
	params config.ReplicaParameters

	mu         sync.RWMutex
	replicas   map[hashid.NamespaceId]*Store
	namespaces map[hashid.NamespaceId]hashid.Namespace
	authors    map[hashid.AuthorId]hashid.Author
}

// NewRegistry returns an empty Registry whose stores use params.
func NewRegistry(params config.ReplicaParameters) *Registry {
	return &Registry{
		params:     params,
		replicas:   make(map[hashid.NamespaceId]*Store),
		namespaces: make(map[hashid.NamespaceId]hashid.Namespace),
		authors:    make(map[hashid.AuthorId]hashid.Author),
	}
}

// NewAuthor generates and retains a fresh author signing key.
func (r *Registry) NewAuthor() (hashid.Author, error) {
	author, err := hashid.NewAuthor()
	if err != nil {
		return hashid.Author{}, err
	}
	r.mu.Lock()
	r.authors[author.Id()] = author
	r.mu.Unlock()
	return author, nil
}

// GetAuthor returns the retained author key for id.
func (r *Registry) GetAuthor(id hashid.AuthorId) (hashid.Author, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.authors[id]
	return a, ok
}

// NewReplica generates a fresh namespace key and creates its empty
// replica store.
func (r *Registry) NewReplica() (hashid.Namespace, *Store, error) {
	ns, err := hashid.NewNamespace()
	if err != nil {
		return hashid.Namespace{}, nil, err
	}
	store, err := r.OpenReplica(ns)
	if err != nil {
		return hashid.Namespace{}, nil, err
	}
	return ns, store, nil
}

// OpenReplica creates a replica store for an existing namespace key,
// retaining the key so entries can be signed for it later. Opening a
// namespace that already has a store is an error.
func (r *Registry) OpenReplica(ns hashid.Namespace) (*Store, error) {
	id := ns.Id()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.replicas[id]; exists {
		return nil, fmt.Errorf("%w: replica %s already open", errs.ErrResource, id)
	}
	store := NewStore(id, r.params)
	r.replicas[id] = store
	r.namespaces[id] = ns
	return store, nil
}

// GetReplica returns the store for namespace id.
func (r *Registry) GetReplica(id hashid.NamespaceId) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.replicas[id]
	return s, ok
}

// GetNamespace returns the retained signing key for namespace id.
func (r *Registry) GetNamespace(id hashid.NamespaceId) (hashid.Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[id]
	return ns, ok
}

// Replicas lists the namespace ids with open stores.
func (r *Registry) Replicas() []hashid.NamespaceId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]hashid.NamespaceId, 0, len(r.replicas))
	for id := range r.replicas {
		out = append(out, id)
	}
	return out
}
