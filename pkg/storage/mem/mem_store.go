/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mem provides an in-memory implementation of the storage SPI.
package mem

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/trustmesh/agent-go/pkg/storage"
)

var errEmptyKey = errors.New("key cannot be empty")

// Provider is an in-memory implementation of storage.Provider.
type Provider struct {
	dbs  map[string]*memStore
	lock sync.RWMutex
}

// NewProvider instantiates a new in-memory storage provider.
func NewProvider() *Provider {
	return &Provider{dbs: make(map[string]*memStore)}
}

// OpenStore opens the store with the given name, creating it if needed.
func (p *Provider) OpenStore(name string) (storage.Store, error) {
	if name == "" {
		return nil, errors.New("store name cannot be empty")
	}

	storeName := strings.ToLower(name)

	p.lock.Lock()
	defer p.lock.Unlock()

	store, ok := p.dbs[storeName]
	if !ok {
		store = &memStore{db: make(map[string]dbEntry)}
		p.dbs[storeName] = store
	}

	return store, nil
}

// Close closes all stores created under this provider.
func (p *Provider) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.dbs = make(map[string]*memStore)

	return nil
}

type dbEntry struct {
	value []byte
	tags  []storage.Tag
}

type memStore struct {
	db   map[string]dbEntry
	lock sync.RWMutex
}

func (s *memStore) Put(k string, v []byte, tags ...storage.Tag) error {
	if k == "" {
		return errEmptyKey
	}

	if v == nil {
		return errors.New("value cannot be nil")
	}

	value := append(v[:0:0], v...)

	s.lock.Lock()
	s.db[k] = dbEntry{value: value, tags: tags}
	s.lock.Unlock()

	return nil
}

func (s *memStore) Get(k string) ([]byte, error) {
	if k == "" {
		return nil, errEmptyKey
	}

	s.lock.RLock()
	entry, ok := s.db[k]
	s.lock.RUnlock()

	if !ok {
		return nil, fmt.Errorf("key %q: %w", k, storage.ErrDataNotFound)
	}

	return append(entry.value[:0:0], entry.value...), nil
}

func (s *memStore) Query(tagName, tagValue string) ([]storage.Entry, error) {
	if tagName == "" {
		return nil, errors.New("tag name cannot be empty")
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	var entries []storage.Entry

	for k, entry := range s.db {
		for _, tag := range entry.tags {
			if tag.Name == tagName && tag.Value == tagValue {
				entries = append(entries, storage.Entry{
					Key:   k,
					Value: append(entry.value[:0:0], entry.value...),
					Tags:  entry.tags,
				})

				break
			}
		}
	}

	// map iteration order is random; results are sorted for deterministic paging
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	return entries, nil
}

func (s *memStore) Delete(k string) error {
	if k == "" {
		return errEmptyKey
	}

	s.lock.Lock()
	delete(s.db, k)
	s.lock.Unlock()

	return nil
}
