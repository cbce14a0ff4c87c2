/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package credential provides storage for issued credentials.
package credential

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trustmesh/agent-go/pkg/storage"
)

// StoreName is the underlying storage namespace.
const StoreName = "credential"

const tagCredentialType = "credentialType"

// Store persists issued credentials.
type Store interface {
	// Save stores a credential of the given type and returns its record id.
	Save(ctx context.Context, credentialType string, credential []byte) (string, error)

	// Get returns a previously stored credential by record id.
	Get(ctx context.Context, id string) ([]byte, error)

	// GetByType returns all stored credentials of the given type, keyed by
	// record id.
	GetByType(ctx context.Context, credentialType string) (map[string][]byte, error)
}

type store struct {
	store storage.Store
}

// New returns a credential store backed by the given storage provider.
func New(provider storage.Provider) (Store, error) {
	s, err := provider.OpenStore(StoreName)
	if err != nil {
		return nil, errors.Wrap(err, "open credential store")
	}

	return &store{store: s}, nil
}

func (s *store) Save(_ context.Context, credentialType string, credential []byte) (string, error) {
	id := uuid.New().String()

	err := s.store.Put(id, credential, storage.Tag{Name: tagCredentialType, Value: credentialType})
	if err != nil {
		return "", errors.Wrap(err, "save credential")
	}

	return id, nil
}

func (s *store) Get(_ context.Context, id string) ([]byte, error) {
	credential, err := s.store.Get(id)
	if err != nil {
		return nil, errors.Wrapf(err, "get credential %s", id)
	}

	return credential, nil
}

func (s *store) GetByType(_ context.Context, credentialType string) (map[string][]byte, error) {
	entries, err := s.store.Query(tagCredentialType, credentialType)
	if err != nil {
		return nil, errors.Wrapf(err, "query credentials of type %s", credentialType)
	}

	credentials := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		credentials[entry.Key] = entry.Value
	}

	return credentials, nil
}
