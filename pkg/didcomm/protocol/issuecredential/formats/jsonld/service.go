/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package jsonld implements the ld-proof-vc credential format for the
// issue-credential 2.0 protocol.
package jsonld

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/piprate/json-gold/ld"
	"github.com/pkg/errors"

	"github.com/trustmesh/agent-go/pkg/common/log"
	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/decorator"
	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/issuecredential"
	"github.com/trustmesh/agent-go/pkg/doc/did"
	"github.com/trustmesh/agent-go/pkg/store/credential"
)

// Format identifiers of the ld-proof-vc credential format.
const (
	ProofVCDetailFormat = "aries/ld-proof-vc-detail@v1.0"
	ProofVCFormat       = "aries/ld-proof-vc@v1.0"
)

// CredentialRecordType tags stored W3C credentials.
const CredentialRecordType = "w3c"

var logger = log.New("agent-go/issuecredential/jsonld")

// Options carries the proof parameters requested for the credential.
type Options struct {
	ProofPurpose       string `json:"proofPurpose,omitempty"`
	Created            string `json:"created,omitempty"`
	Domain             string `json:"domain,omitempty"`
	Challenge          string `json:"challenge,omitempty"`
	ProofType          string `json:"proofType,omitempty"`
	VerificationMethod string `json:"verificationMethod,omitempty"`
}

// Detail is the ld-proof-vc-detail attachment payload exchanged in
// proposals, offers and requests.
type Detail struct {
	Credential map[string]interface{} `json:"credential,omitempty"`
	Options    Options                `json:"options,omitempty"`
}

// Signer signs a credential with the given verification method.
type Signer interface {
	SignCredential(ctx context.Context, credential map[string]interface{}, options *Options,
		verificationMethod string) (map[string]interface{}, error)
}

// Provider contains the dependencies of the format service.
type Provider interface {
	DIDResolver() did.Resolver
	CredentialStore() credential.Store
	Signer() Signer
	JSONLDDocumentLoader() ld.DocumentLoader
}

// Service implements issuecredential.FormatService for ld-proof-vc.
type Service struct {
	resolver did.Resolver
	store    credential.Store
	signer   Signer
	loader   ld.DocumentLoader
}

// New returns a jsonld format service.
func New(provider Provider) *Service {
	return &Service{
		resolver: provider.DIDResolver(),
		store:    provider.CredentialStore(),
		signer:   provider.Signer(),
		loader:   provider.JSONLDDocumentLoader(),
	}
}

// FormatKind implements issuecredential.FormatService.
func (s *Service) FormatKind() string {
	return "jsonld"
}

// Accept implements issuecredential.FormatService.
func (s *Service) Accept(format string) bool {
	return format == ProofVCDetailFormat || format == ProofVCFormat
}

func detailAttachment(detail *Detail) (issuecredential.Format, *decorator.Attachment, error) {
	payload, err := json.Marshal(detail)
	if err != nil {
		return issuecredential.Format{}, nil, errors.Wrap(err, "marshal credential detail")
	}

	attachment := decorator.NewBase64Attachment(payload)

	return issuecredential.Format{AttachID: attachment.ID, Format: ProofVCDetailFormat}, attachment, nil
}

func parseDetail(attachment *decorator.Attachment) (*Detail, error) {
	if attachment == nil {
		return nil, errors.New("missing attachment")
	}

	payload, err := attachment.Data.Fetch()
	if err != nil {
		return nil, errors.Wrap(err, "fetch credential detail")
	}

	detail := &Detail{}
	if err := json.Unmarshal(payload, detail); err != nil {
		return nil, errors.Wrap(err, "parse credential detail")
	}

	return detail, nil
}

// CreateProposal implements issuecredential.FormatService.
func (s *Service) CreateProposal(_ context.Context, _ *issuecredential.Record,
	detail interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	d, ok := detail.(*Detail)
	if !ok {
		return issuecredential.Format{}, nil, fmt.Errorf("expected *jsonld.Detail, got %T", detail)
	}

	return detailAttachment(d)
}

// CreateOffer implements issuecredential.FormatService. A nil detail echoes
// the prior proposal.
func (s *Service) CreateOffer(_ context.Context, _ *issuecredential.Record,
	proposalAttachment *decorator.Attachment, detail interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	if detail == nil {
		if proposalAttachment == nil {
			return issuecredential.Format{}, nil, errors.New("no detail and no proposal to echo")
		}

		echoed, err := parseDetail(proposalAttachment)
		if err != nil {
			return issuecredential.Format{}, nil, err
		}

		return detailAttachment(echoed)
	}

	d, ok := detail.(*Detail)
	if !ok {
		return issuecredential.Format{}, nil, fmt.Errorf("expected *jsonld.Detail, got %T", detail)
	}

	return detailAttachment(d)
}

// CreateRequest implements issuecredential.FormatService. A nil detail
// echoes the received offer.
func (s *Service) CreateRequest(_ context.Context, _ *issuecredential.Record,
	offerAttachment *decorator.Attachment, detail interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	if detail == nil {
		if offerAttachment == nil {
			return issuecredential.Format{}, nil, errors.New("no detail and no offer to echo")
		}

		echoed, err := parseDetail(offerAttachment)
		if err != nil {
			return issuecredential.Format{}, nil, err
		}

		return detailAttachment(echoed)
	}

	d, ok := detail.(*Detail)
	if !ok {
		return issuecredential.Format{}, nil, fmt.Errorf("expected *jsonld.Detail, got %T", detail)
	}

	return detailAttachment(d)
}

// CreateCredential implements issuecredential.FormatService. It signs the
// requested credential, deriving a verification method from the issuer's DID
// document when the request names none.
func (s *Service) CreateCredential(ctx context.Context, _ *issuecredential.Record,
	requestAttachment *decorator.Attachment, _ interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	if requestAttachment == nil {
		return issuecredential.Format{}, nil, errors.New("missing request attachment")
	}

	request, err := parseDetail(requestAttachment)
	if err != nil {
		return issuecredential.Format{}, nil, err
	}

	verificationMethod := request.Options.VerificationMethod
	if verificationMethod == "" {
		verificationMethod, err = s.deriveVerificationMethod(ctx, request)
		if err != nil {
			return issuecredential.Format{}, nil, err
		}
	}

	signed, err := s.signer.SignCredential(ctx, request.Credential, &request.Options, verificationMethod)
	if err != nil {
		return issuecredential.Format{}, nil, errors.Wrap(err, "sign credential")
	}

	payload, err := json.Marshal(signed)
	if err != nil {
		return issuecredential.Format{}, nil, errors.Wrap(err, "marshal signed credential")
	}

	attachment := decorator.NewBase64Attachment(payload)

	return issuecredential.Format{AttachID: attachment.ID, Format: ProofVCFormat}, attachment, nil
}

// ProcessCredential implements issuecredential.FormatService. The received
// credential is validated against the request before being stored.
func (s *Service) ProcessCredential(ctx context.Context, _ *issuecredential.Record,
	credentialAttachment, requestAttachment *decorator.Attachment) (issuecredential.CredentialReference, error) {
	var reference issuecredential.CredentialReference

	payload, err := credentialAttachment.Data.Fetch()
	if err != nil {
		return reference, errors.Wrap(err, "fetch credential")
	}

	received := map[string]interface{}{}
	if err := json.Unmarshal(payload, &received); err != nil {
		return reference, errors.Wrap(err, "parse credential")
	}

	request, err := parseDetail(requestAttachment)
	if err != nil {
		return reference, err
	}

	if err := s.verifyReceivedCredential(received, request); err != nil {
		return reference, err
	}

	id, err := s.store.Save(ctx, CredentialRecordType, payload)
	if err != nil {
		return reference, errors.Wrap(err, "store credential")
	}

	logger.Debugf("stored w3c credential %s", id)

	return issuecredential.CredentialReference{
		CredentialRecordType: CredentialRecordType,
		CredentialRecordID:   id,
	}, nil
}

// verifyReceivedCredential runs the ordered consistency checks of a received
// credential against the request it answers.
func (s *Service) verifyReceivedCredential(received map[string]interface{}, request *Detail) error {
	withoutProof := make(map[string]interface{}, len(received))

	for key, value := range received {
		if key != "proof" {
			withoutProof[key] = value
		}
	}

	if !s.credentialsEqual(withoutProof, request.Credential) {
		return &issuecredential.CredentialMismatchError{
			Reason:  issuecredential.MismatchSubject,
			Message: "received credential does not match credential request",
		}
	}

	proof := proofOf(received)

	if domain, _ := proof["domain"].(string); domain != request.Options.Domain {
		return &issuecredential.CredentialMismatchError{
			Reason:  issuecredential.MismatchDomain,
			Message: "received credential proof domain does not match domain from credential request",
		}
	}

	if challenge, _ := proof["challenge"].(string); challenge != request.Options.Challenge {
		return &issuecredential.CredentialMismatchError{
			Reason:  issuecredential.MismatchChallenge,
			Message: "received credential proof challenge does not match challenge from credential request",
		}
	}

	if proofType, _ := proof["type"].(string); proofType != request.Options.ProofType {
		return &issuecredential.CredentialMismatchError{
			Reason:  issuecredential.MismatchProofType,
			Message: "received credential proof type does not match proof type from credential request",
		}
	}

	if purpose, _ := proof["proofPurpose"].(string); purpose != request.Options.ProofPurpose {
		return &issuecredential.CredentialMismatchError{
			Reason:  issuecredential.MismatchProofPurpose,
			Message: "received credential proof purpose does not match proof purpose from credential request",
		}
	}

	return nil
}

func proofOf(credential map[string]interface{}) map[string]interface{} {
	switch proof := credential["proof"].(type) {
	case map[string]interface{}:
		return proof
	case []interface{}:
		if len(proof) > 0 {
			if first, ok := proof[0].(map[string]interface{}); ok {
				return first
			}
		}
	}

	return map[string]interface{}{}
}

// ShouldAutoRespondToProposal implements issuecredential.FormatService.
func (s *Service) ShouldAutoRespondToProposal(_ context.Context, _ *issuecredential.Record,
	proposalAttachment, offerAttachment *decorator.Attachment) bool {
	return s.attachmentDetailsEqual(proposalAttachment, offerAttachment)
}

// ShouldAutoRespondToOffer implements issuecredential.FormatService.
func (s *Service) ShouldAutoRespondToOffer(_ context.Context, _ *issuecredential.Record,
	offerAttachment, proposalAttachment *decorator.Attachment) bool {
	return s.attachmentDetailsEqual(offerAttachment, proposalAttachment)
}

func (s *Service) attachmentDetailsEqual(a, b *decorator.Attachment) bool {
	detailA, err := parseDetail(a)
	if err != nil {
		return false
	}

	detailB, err := parseDetail(b)
	if err != nil {
		return false
	}

	return detailA.Options == detailB.Options && s.credentialsEqual(detailA.Credential, detailB.Credential)
}

// credentialsEqual compares credentials semantically, canonicalizing through
// the JSON-LD processor when a document loader is configured and falling
// back to a structural comparison otherwise.
func (s *Service) credentialsEqual(a, b map[string]interface{}) bool {
	if s.loader != nil {
		equal, err := s.canonicalEqual(a, b)
		if err == nil {
			return equal
		}

		logger.Warnf("canonicalization failed, falling back to structural compare: %v", err)
	}

	return structuralEqual(a, b)
}

func (s *Service) canonicalEqual(a, b map[string]interface{}) (bool, error) {
	proc := ld.NewJsonLdProcessor()

	options := ld.NewJsonLdOptions("")
	options.DocumentLoader = s.loader
	options.Format = "application/n-quads"
	options.Algorithm = ld.AlgorithmURDNA2015

	normalizedA, err := proc.Normalize(a, options)
	if err != nil {
		return false, err
	}

	normalizedB, err := proc.Normalize(b, options)
	if err != nil {
		return false, err
	}

	return normalizedA == normalizedB, nil
}

// structuralEqual compares credentials field by field, treating the
// @context and type arrays as unordered sets.
func structuralEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}

	for key, valueA := range a {
		valueB, ok := b[key]
		if !ok {
			return false
		}

		if key == "@context" || key == "type" {
			if !setEqual(asStrings(valueA), asStrings(valueB)) {
				return false
			}

			continue
		}

		rawA, errA := json.Marshal(valueA)
		rawB, errB := json.Marshal(valueB)

		if errA != nil || errB != nil || string(rawA) != string(rawB) {
			return false
		}
	}

	return true
}

func asStrings(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		items := make([]string, 0, len(v))

		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				raw, err := json.Marshal(item)
				if err != nil {
					return nil
				}

				s = string(raw)
			}

			items = append(items, s)
		}

		return items
	default:
		return nil
	}
}

func setEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	counts := make(map[string]int, len(a))
	for _, item := range a {
		counts[item]++
	}

	for _, item := range b {
		counts[item]--
		if counts[item] < 0 {
			return false
		}
	}

	return true
}
