/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package did provides DID document types and resolution.
package did

import (
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// ContextV1 of the DID document is the current V1 context name.
const ContextV1 = "https://www.w3.org/ns/did/v1"

// Doc is a DID document.
type Doc struct {
	Context            []string             `json:"@context,omitempty"`
	ID                 string               `json:"id,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []string             `json:"authentication,omitempty"`
	AssertionMethod    []string             `json:"assertionMethod,omitempty"`
}

// VerificationMethod is a DID document verification method.
type VerificationMethod struct {
	ID              string `json:"id,omitempty"`
	Type            string `json:"type,omitempty"`
	Controller      string `json:"controller,omitempty"`
	PublicKeyBase58 string `json:"publicKeyBase58,omitempty"`
}

// PublicKeyBytes decodes the base58 public key material.
func (vm *VerificationMethod) PublicKeyBytes() ([]byte, error) {
	raw := base58.Decode(vm.PublicKeyBase58)
	if len(raw) == 0 {
		return nil, fmt.Errorf("verification method %s: invalid base58 public key", vm.ID)
	}

	return raw, nil
}

// AssertionMethods returns the verification methods referenced by the
// document's assertionMethod relationship.
func (d *Doc) AssertionMethods() []VerificationMethod {
	refs := make(map[string]struct{}, len(d.AssertionMethod))
	for _, id := range d.AssertionMethod {
		refs[id] = struct{}{}
	}

	var methods []VerificationMethod

	for i := range d.VerificationMethod {
		if _, ok := refs[d.VerificationMethod[i].ID]; ok {
			methods = append(methods, d.VerificationMethod[i])
		}
	}

	return methods
}

// VerificationMethodByID returns the verification method with the given id.
func (d *Doc) VerificationMethodByID(id string) *VerificationMethod {
	for i := range d.VerificationMethod {
		if d.VerificationMethod[i].ID == id {
			return &d.VerificationMethod[i]
		}
	}

	return nil
}
