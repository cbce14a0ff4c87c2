/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/decorator"
	"github.com/trustmesh/agent-go/pkg/storage"
)

// RecordStoreName is the storage namespace for exchange records.
const RecordStoreName = "credential_exchange"

const (
	tagThreadID     = "threadID"
	tagConnectionID = "connectionID"
	tagState        = "state"
)

// CredentialReference points at a credential persisted in the credential
// store, typed so mixed-format exchanges can be told apart.
type CredentialReference struct {
	CredentialRecordType string `json:"credentialRecordType,omitempty"`
	CredentialRecordID   string `json:"credentialRecordId,omitempty"`
}

// Record is a credential exchange record, the per-thread unit of protocol
// state. Records are treated as immutable once stored; mutations go through
// Clone and a subsequent Save.
type Record struct {
	ID                   string                 `json:"id"`
	ThreadID             string                 `json:"threadId"`
	ConnectionID         string                 `json:"connectionId"`
	State                State                  `json:"state"`
	ProtocolVersion      string                 `json:"protocolVersion"`
	CredentialAttributes []Attribute            `json:"credentialAttributes,omitempty"`
	Credentials          []CredentialReference  `json:"credentials,omitempty"`
	ErrorMessage         string                 `json:"errorMessage,omitempty"`
	CustomTags           map[string]string      `json:"customTags,omitempty"`
	ProposalFormats      []Format               `json:"proposalFormats,omitempty"`
	ProposalAttachments  []decorator.Attachment `json:"proposalAttachments,omitempty"`
	OfferFormats         []Format               `json:"offerFormats,omitempty"`
	OfferAttachments     []decorator.Attachment `json:"offerAttachments,omitempty"`
	RequestFormats       []Format               `json:"requestFormats,omitempty"`
	RequestAttachments   []decorator.Attachment `json:"requestAttachments,omitempty"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// NewRecord returns a fresh exchange record in the start state.
func NewRecord(threadID, connectionID string) *Record {
	now := time.Now().UTC()

	return &Record{
		ID:              uuid.New().String(),
		ThreadID:        threadID,
		ConnectionID:    connectionID,
		State:           StateStart,
		ProtocolVersion: "v2",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}

	clone := &Record{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil
	}

	return clone
}

// AttachmentByID returns the attachment with the given id, searching the
// given attachment slice.
func AttachmentByID(attachments []decorator.Attachment, id string) *decorator.Attachment {
	for i := range attachments {
		if attachments[i].ID == id {
			return &attachments[i]
		}
	}

	return nil
}

// RecordStore persists exchange records.
type RecordStore struct {
	store storage.Store
}

// NewRecordStore opens the exchange record store.
func NewRecordStore(provider storage.Provider) (*RecordStore, error) {
	s, err := provider.OpenStore(RecordStoreName)
	if err != nil {
		return nil, errors.Wrap(err, "open credential exchange store")
	}

	return &RecordStore{store: s}, nil
}

// Save stores the record. The thread id of an existing record is immutable.
func (s *RecordStore) Save(record *Record) error {
	existing, err := s.Get(record.ID)
	if err != nil && !errors.Is(err, storage.ErrDataNotFound) {
		return err
	}

	if existing != nil && existing.ThreadID != record.ThreadID {
		return fmt.Errorf("thread id of record %s is immutable", record.ID)
	}

	record.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal credential exchange record")
	}

	tags := []storage.Tag{
		{Name: tagThreadID, Value: record.ThreadID},
		{Name: tagConnectionID, Value: record.ConnectionID},
		{Name: tagState, Value: string(record.State)},
	}

	for name, value := range record.CustomTags {
		tags = append(tags, storage.Tag{Name: name, Value: value})
	}

	return errors.Wrapf(s.store.Put(record.ID, raw, tags...), "save credential exchange record %s", record.ID)
}

// Get returns the record with the given id.
func (s *RecordStore) Get(id string) (*Record, error) {
	raw, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, storage.ErrDataNotFound
		}

		return nil, errors.Wrapf(err, "get credential exchange record %s", id)
	}

	record := &Record{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, errors.Wrapf(err, "unmarshal credential exchange record %s", id)
	}

	return record, nil
}

// FindByThreadID returns the record keyed by the given thread id, or
// storage.ErrDataNotFound when no exchange uses it.
func (s *RecordStore) FindByThreadID(threadID string) (*Record, error) {
	records, err := s.QueryByTag(tagThreadID, threadID)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, storage.ErrDataNotFound
	}

	return records[0], nil
}

// QueryByTag returns all records carrying the given tag value.
func (s *RecordStore) QueryByTag(name, value string) ([]*Record, error) {
	entries, err := s.store.Query(name, value)
	if err != nil {
		return nil, errors.Wrapf(err, "query credential exchange records by %s", name)
	}

	records := make([]*Record, 0, len(entries))

	for _, entry := range entries {
		record := &Record{}
		if err := json.Unmarshal(entry.Value, record); err != nil {
			return nil, errors.Wrapf(err, "unmarshal credential exchange record %s", entry.Key)
		}

		records = append(records, record)
	}

	return records, nil
}

// Delete removes the record with the given id.
func (s *RecordStore) Delete(id string) error {
	return errors.Wrapf(s.store.Delete(id), "delete credential exchange record %s", id)
}
