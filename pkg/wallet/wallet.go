/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wallet defines the crypto capability consumed by the DIDComm
// envelope layer. Key generation and the encryption primitives themselves
// live behind this interface.
package wallet

import (
	"context"
	"fmt"
)

// UnpackResult holds the plaintext recovered from a wire envelope together
// with sender-authentication metadata.
type UnpackResult struct {
	// Message is the recovered plaintext.
	Message []byte
	// RecipientKey is the verkey the envelope was opened with.
	RecipientKey string
	// SenderKey is the authenticated sender verkey. Empty when the envelope
	// was packed anonymously.
	SenderKey string
}

// Wallet seals and unseals wire envelopes.
type Wallet interface {
	// PackMessage seals payload for the given recipient keys, authenticated
	// by senderKey when non-empty.
	PackMessage(ctx context.Context, payload []byte, recipientKeys []string, senderKey string) ([]byte, error)

	// UnpackMessage unseals a wire envelope produced by PackMessage.
	UnpackMessage(ctx context.Context, envelope []byte) (*UnpackResult, error)
}

// CryptoError indicates a sealing or unsealing failure. It is fatal and is
// never retried by this layer.
type CryptoError struct {
	Op    string
	Cause error
}

// NewCryptoError returns a CryptoError for the given operation.
func NewCryptoError(op string, cause error) *CryptoError {
	return &CryptoError{Op: op, Cause: cause}
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *CryptoError) Unwrap() error {
	return e.Cause
}
