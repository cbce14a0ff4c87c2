/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package decorator provides common DIDComm message decorators.
package decorator

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Thread thread data.
type Thread struct {
	ID  string `json:"thid,omitempty"`
	PID string `json:"pthid,omitempty"`
}

// Timing keeps expiration time.
type Timing struct {
	ExpiresTime time.Time `json:"expires_time,omitempty"`
}

// Attachment is intended to provide a means of supplying content to a
// message when the content is opaque to the protocol itself.
type Attachment struct {
	// ID is a JSON-IDREF, unique within the scope of the parent message.
	ID string `json:"@id,omitempty"`
	// Description is an optional human-readable description of the content.
	Description string `json:"description,omitempty"`
	// FileName is a hint about the name that would be used if the attachment
	// were persisted as a file.
	FileName string `json:"filename,omitempty"`
	// MimeType describes the MIME type of the attached content.
	MimeType string `json:"mime-type,omitempty"`
	// LastModTime is a hint about when the content was last modified.
	LastModTime time.Time `json:"lastmod_time,omitempty"`
	// ByteCount is an optional size of the content encoded in Data.
	ByteCount int64 `json:"byte_count,omitempty"`
	// Data is the attachment payload.
	Data AttachmentData `json:"data,omitempty"`
}

// AttachmentData contains attachment payload in one of several possible
// encodings. At most one of the encoding fields may be populated.
type AttachmentData struct {
	// Sha256 is an optional hash of the content, used as an integrity check
	// when the content is fetched via Links.
	Sha256 string `json:"sha256,omitempty"`
	// Base64 contains base64-encoded payload bytes.
	Base64 string `json:"base64,omitempty"`
	// JSON contains the payload directly, without encoding.
	JSON interface{} `json:"json,omitempty"`
	// Links is a list of URLs where the payload can be fetched.
	Links []string `json:"links,omitempty"`
	// JWS is a detached signature over the payload.
	JWS interface{} `json:"jws,omitempty"`
}

// NewJSONAttachment returns an attachment carrying v as inline JSON.
func NewJSONAttachment(v interface{}) *Attachment {
	return &Attachment{
		ID:       uuid.New().String(),
		MimeType: "application/json",
		Data:     AttachmentData{JSON: v},
	}
}

// NewBase64Attachment returns an attachment carrying payload base64-encoded.
func NewBase64Attachment(payload []byte) *Attachment {
	return &Attachment{
		ID:       uuid.New().String(),
		MimeType: "application/json",
		Data:     AttachmentData{Base64: base64.StdEncoding.EncodeToString(payload)},
	}
}

// Validate checks that exactly one encoding field is populated.
func (d *AttachmentData) Validate() error {
	populated := 0

	if d.Base64 != "" {
		populated++
	}

	if d.JSON != nil {
		populated++
	}

	if len(d.Links) > 0 {
		populated++
	}

	if d.JWS != nil {
		populated++
	}

	switch populated {
	case 0:
		return errors.New("attachment data: no encoding populated")
	case 1:
		return nil
	default:
		return fmt.Errorf("attachment data: %d encodings populated, want 1", populated)
	}
}

// Fetch this attachment's contents as raw bytes.
func (d *AttachmentData) Fetch() ([]byte, error) {
	if d.Base64 != "" {
		bytes, err := base64.StdEncoding.DecodeString(d.Base64)
		if err != nil {
			return nil, fmt.Errorf("failed to base64 decode attachment contents: %w", err)
		}

		return bytes, nil
	}

	if d.JSON != nil {
		bytes, err := json.Marshal(d.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal json contents: %w", err)
		}

		return bytes, nil
	}

	// links and detached jws require an out-of-band fetch or the original payload
	return nil, errors.New("no contents in this attachment")
}
