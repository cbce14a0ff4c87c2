/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package jsonld

import (
	"context"
	"fmt"

	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/issuecredential"
)

// suiteVerificationMethodTypes maps a proof type to the verification method
// types able to produce it.
var suiteVerificationMethodTypes = map[string][]string{
	"Ed25519Signature2018": {"Ed25519VerificationKey2018"},
	"BbsBlsSignature2020":  {"Bls12381G2Key2020"},
}

// deriveVerificationMethod picks an assertion method from the issuer's DID
// document compatible with the requested proof type.
func (s *Service) deriveVerificationMethod(ctx context.Context, request *Detail) (string, error) {
	issuerDID, err := issuerOf(request.Credential)
	if err != nil {
		return "", err
	}

	acceptedTypes, ok := suiteVerificationMethodTypes[request.Options.ProofType]
	if !ok {
		return "", fmt.Errorf("unsupported proof type %q", request.Options.ProofType)
	}

	doc, err := s.resolver.ResolveDidDocument(ctx, issuerDID)
	if err != nil {
		return "", err
	}

	for _, method := range doc.AssertionMethods() {
		for _, acceptedType := range acceptedTypes {
			if method.Type == acceptedType {
				return method.ID, nil
			}
		}
	}

	return "", &issuecredential.NoSuitableVerificationMethodError{
		ProofType: request.Options.ProofType,
		DID:       issuerDID,
	}
}

// issuerOf extracts the issuer DID from a credential, accepting both the
// string and object forms of the issuer property.
func issuerOf(credential map[string]interface{}) (string, error) {
	switch issuer := credential["issuer"].(type) {
	case string:
		return issuer, nil
	case map[string]interface{}:
		if id, ok := issuer["id"].(string); ok {
			return id, nil
		}
	}

	return "", fmt.Errorf("credential has no issuer id")
}
