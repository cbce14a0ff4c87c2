/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package indy

import (
	"crypto/sha256"
	"math/big"
	"strconv"
)

// encodeValue encodes a raw attribute value the anoncreds way: 32-bit
// integers encode as themselves, everything else as the decimal form of the
// sha256 digest of the raw string.
func encodeValue(raw string) string {
	if i, err := strconv.ParseInt(raw, 10, 32); err == nil {
		return strconv.FormatInt(i, 10)
	}

	digest := sha256.Sum256([]byte(raw))

	return new(big.Int).SetBytes(digest[:]).String()
}
