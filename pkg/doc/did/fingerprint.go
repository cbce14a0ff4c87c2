/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package did

import (
	"encoding/binary"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// ed25519pub is the multicodec code for an Ed25519 public key.
const ed25519pub = 0xed

// CreateDIDKey creates a did:key identifier and key ID from raw Ed25519
// public key bytes.
func CreateDIDKey(pubKey []byte) (string, string) {
	fingerprint := keyFingerprint(ed25519pub, pubKey)
	didKey := fmt.Sprintf("did:key:%s", fingerprint)
	keyID := fmt.Sprintf("%s#%s", didKey, fingerprint)

	return didKey, keyID
}

// keyFingerprint generates a multibase base58-btc encoded fingerprint of the
// key prefixed with its multicodec code as a varint.
func keyFingerprint(code uint64, pubKeyValue []byte) string {
	multicodecValue := multicodec(code)
	mcLength := len(multicodecValue)
	buf := make([]byte, mcLength+len(pubKeyValue))
	copy(buf, multicodecValue)
	copy(buf[mcLength:], pubKeyValue)

	fingerprint, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		// Base58BTC is a registered encoding, Encode cannot fail for it.
		panic(err)
	}

	return fingerprint
}

func multicodec(code uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, code)

	return buf[:n]
}
