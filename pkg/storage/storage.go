/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package storage defines the storage SPI used by agent components.
package storage

import "errors"

// ErrDataNotFound is returned when data is not found.
var ErrDataNotFound = errors.New("data not found")

// Provider represents a storage provider.
type Provider interface {
	// OpenStore opens the store with the given name, creating it if needed.
	OpenStore(name string) (Store, error)

	// Close closes all stores created under this provider.
	Close() error
}

// Tag is a name + value pair associated with a stored value for querying.
type Tag struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// Entry is a single key + value pair (with tags) returned from a query.
type Entry struct {
	Key   string
	Value []byte
	Tags  []Tag
}

// Store is a named key-value store with tag-based lookup.
type Store interface {
	// Put stores the value under the key, replacing any previous value and tags.
	Put(k string, v []byte, tags ...Tag) error

	// Get fetches the value stored under the key.
	// Returns an error wrapping ErrDataNotFound if the key is unknown.
	Get(k string) ([]byte, error)

	// Query returns all entries tagged with the given name and value.
	Query(tagName, tagValue string) ([]Entry, error)

	// Delete removes the key and its value. Deleting an unknown key is a no-op.
	Delete(k string) error
}
