/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package service provides common DIDComm message plumbing shared by
// protocol services.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	jsonID       = "@id"
	jsonType     = "@type"
	jsonThread   = "~thread"
	jsonThreadID = "thid"
)

// ErrThreadIDNotFound is returned when the message carries neither a
// ~thread decorator nor an @id to fall back to.
var ErrThreadIDNotFound = errors.New("threadID not found")

// ErrInvalidMessage is returned on an empty or unparsable message.
var ErrInvalidMessage = errors.New("invalid message")

// DIDCommMsgMap is a DIDComm message represented as a generic map.
type DIDCommMsgMap map[string]interface{}

// NewDIDCommMsgMap converts a message struct to a DIDCommMsgMap through its
// JSON representation.
func NewDIDCommMsgMap(v interface{}) DIDCommMsgMap {
	raw, err := json.Marshal(v)
	if err != nil {
		return DIDCommMsgMap{}
	}

	msg := DIDCommMsgMap{}

	if err := json.Unmarshal(raw, &msg); err != nil {
		return DIDCommMsgMap{}
	}

	return msg
}

// ParseDIDCommMsgMap parses raw payload bytes into a DIDCommMsgMap.
func ParseDIDCommMsgMap(payload []byte) (DIDCommMsgMap, error) {
	msg := DIDCommMsgMap{}

	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid payload data format: %w", err)
	}

	return msg, nil
}

// ID returns the message `@id`.
func (m DIDCommMsgMap) ID() string {
	if m == nil {
		return ""
	}

	id, ok := m[jsonID].(string)
	if !ok {
		return ""
	}

	return id
}

// SetID sets the message `@id`.
func (m DIDCommMsgMap) SetID(id string) {
	if m == nil {
		return
	}

	m[jsonID] = id
}

// Type returns the message `@type`.
func (m DIDCommMsgMap) Type() string {
	if m == nil {
		return ""
	}

	t, ok := m[jsonType].(string)
	if !ok {
		return ""
	}

	return t
}

// ThreadID returns the thread id from the ~thread decorator, falling back
// to the message `@id` when the decorator is absent.
func (m DIDCommMsgMap) ThreadID() (string, error) {
	if m == nil {
		return "", ErrInvalidMessage
	}

	msgID := m.ID()

	thread, ok := m[jsonThread].(map[string]interface{})
	if ok {
		if thid, found := thread[jsonThreadID].(string); found && thid != "" {
			return thid, nil
		}
	}

	// according to the conventions, the first message of a thread carries
	// no ~thread decorator and its @id doubles as the thread id
	if msgID != "" {
		return msgID, nil
	}

	return "", ErrThreadIDNotFound
}

// Clone returns a deep copy of the message.
func (m DIDCommMsgMap) Clone() DIDCommMsgMap {
	if m == nil {
		return nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}

	clone := DIDCommMsgMap{}
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil
	}

	return clone
}

// Decode populates v with the message contents, honoring `json` tags.
func (m DIDCommMsgMap) Decode(v interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		WeaklyTypedInput: true,
		Result:           v,
		TagName:          "json",
	})
	if err != nil {
		return err
	}

	return decoder.Decode(map[string]interface{}(m))
}
