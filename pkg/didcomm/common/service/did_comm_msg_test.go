/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDIDCommMsgMap(t *testing.T) {
	type message struct {
		Type    string `json:"@type,omitempty"`
		ID      string `json:"@id,omitempty"`
		Comment string `json:"comment,omitempty"`
	}

	msg := NewDIDCommMsgMap(&message{Type: "type", ID: "id", Comment: "hi"})
	require.Equal(t, "type", msg.Type())
	require.Equal(t, "id", msg.ID())
	require.Equal(t, "hi", msg["comment"])
}

func TestParseDIDCommMsgMap(t *testing.T) {
	msg, err := ParseDIDCommMsgMap([]byte(`{"@id":"id-1","@type":"type-1"}`))
	require.NoError(t, err)
	require.Equal(t, "id-1", msg.ID())
	require.Equal(t, "type-1", msg.Type())

	_, err = ParseDIDCommMsgMap([]byte(`not json`))
	require.Error(t, err)
}

func TestThreadID(t *testing.T) {
	tests := []struct {
		name     string
		msg      DIDCommMsgMap
		threadID string
		err      error
	}{
		{
			name:     "from thread decorator",
			msg:      DIDCommMsgMap{jsonID: "id-1", jsonThread: map[string]interface{}{jsonThreadID: "thid-1"}},
			threadID: "thid-1",
		},
		{
			name:     "fallback to message id",
			msg:      DIDCommMsgMap{jsonID: "id-1"},
			threadID: "id-1",
		},
		{
			name:     "empty thid falls back to message id",
			msg:      DIDCommMsgMap{jsonID: "id-1", jsonThread: map[string]interface{}{jsonThreadID: ""}},
			threadID: "id-1",
		},
		{
			name: "no thread and no id",
			msg:  DIDCommMsgMap{},
			err:  ErrThreadIDNotFound,
		},
		{
			name: "nil message",
			msg:  nil,
			err:  ErrInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threadID, err := tt.msg.ThreadID()
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.threadID, threadID)
		})
	}
}

func TestClone(t *testing.T) {
	msg := DIDCommMsgMap{jsonID: "id-1", "nested": map[string]interface{}{"a": "b"}}

	clone := msg.Clone()
	require.Equal(t, msg, clone)

	clone["nested"].(map[string]interface{})["a"] = "changed"
	require.Equal(t, "b", msg["nested"].(map[string]interface{})["a"])
}

func TestDecode(t *testing.T) {
	type thread struct {
		ID string `json:"thid,omitempty"`
	}

	type message struct {
		Type   string  `json:"@type,omitempty"`
		ID     string  `json:"@id,omitempty"`
		Thread *thread `json:"~thread,omitempty"`
	}

	msg, err := ParseDIDCommMsgMap([]byte(`{"@id":"id-1","@type":"type-1","~thread":{"thid":"thid-1"}}`))
	require.NoError(t, err)

	decoded := &message{}
	require.NoError(t, msg.Decode(decoded))
	require.Equal(t, "id-1", decoded.ID)
	require.Equal(t, "type-1", decoded.Type)
	require.NotNil(t, decoded.Thread)
	require.Equal(t, "thid-1", decoded.Thread.ID)
}
