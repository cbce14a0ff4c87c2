/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package indy implements the hlindy credential format for the
// issue-credential 2.0 protocol.
package indy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trustmesh/agent-go/pkg/common/log"
	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/decorator"
	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/issuecredential"
	"github.com/trustmesh/agent-go/pkg/store/credential"
)

// Format identifiers of the hlindy credential format.
const (
	FilterFormat     = "hlindy/cred-filter@v2.0"
	AbstractFormat   = "hlindy/cred-abstract@v2.0"
	RequestFormat    = "hlindy/cred-req@v2.0"
	CredentialFormat = "hlindy/cred@v2.0"
)

// CredentialRecordType tags stored indy credentials.
const CredentialRecordType = "indy"

var logger = log.New("agent-go/issuecredential/indy")

// Filter narrows the credential definitions acceptable to the holder.
type Filter struct {
	SchemaID        string `json:"schema_id,omitempty"`
	SchemaIssuerDID string `json:"schema_issuer_did,omitempty"`
	SchemaName      string `json:"schema_name,omitempty"`
	SchemaVersion   string `json:"schema_version,omitempty"`
	CredDefID       string `json:"cred_def_id,omitempty"`
	IssuerDID       string `json:"issuer_did,omitempty"`
}

// Offer is a credential abstract binding an offer to a credential
// definition.
type Offer struct {
	SchemaID            string          `json:"schema_id,omitempty"`
	CredDefID           string          `json:"cred_def_id,omitempty"`
	Nonce               string          `json:"nonce,omitempty"`
	KeyCorrectnessProof json.RawMessage `json:"key_correctness_proof,omitempty"`
}

// Request is a credential request bound to an offer nonce.
type Request struct {
	ProverDID string          `json:"prover_did,omitempty"`
	CredDefID string          `json:"cred_def_id,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	BlindedMS json.RawMessage `json:"blinded_ms,omitempty"`
}

// CredentialValue is one encoded credential attribute.
type CredentialValue struct {
	Raw     string `json:"raw,omitempty"`
	Encoded string `json:"encoded,omitempty"`
}

// Credential is an issued indy credential.
type Credential struct {
	SchemaID                  string                     `json:"schema_id,omitempty"`
	CredDefID                 string                     `json:"cred_def_id,omitempty"`
	Values                    map[string]CredentialValue `json:"values,omitempty"`
	Signature                 json.RawMessage            `json:"signature,omitempty"`
	SignatureCorrectnessProof json.RawMessage            `json:"signature_correctness_proof,omitempty"`
}

// Issuer provides the issuer-side anoncreds operations.
type Issuer interface {
	CreateCredentialOffer(ctx context.Context, credDefID string) (*Offer, error)
	CreateCredential(ctx context.Context, offer *Offer, request *Request,
		values map[string]CredentialValue) (*Credential, error)
}

// Holder provides the holder-side anoncreds operations.
type Holder interface {
	CreateCredentialRequest(ctx context.Context, offer *Offer) (*Request, error)
}

// Provider contains the dependencies of the format service.
type Provider interface {
	CredentialStore() credential.Store
	Issuer() Issuer
	Holder() Holder
}

// Service implements issuecredential.FormatService for hlindy.
type Service struct {
	store  credential.Store
	issuer Issuer
	holder Holder
}

// New returns an indy format service.
func New(provider Provider) *Service {
	return &Service{
		store:  provider.CredentialStore(),
		issuer: provider.Issuer(),
		holder: provider.Holder(),
	}
}

// FormatKind implements issuecredential.FormatService.
func (s *Service) FormatKind() string {
	return "indy"
}

// Accept implements issuecredential.FormatService.
func (s *Service) Accept(format string) bool {
	switch format {
	case FilterFormat, AbstractFormat, RequestFormat, CredentialFormat:
		return true
	default:
		return false
	}
}

func attach(payload interface{}, format string) (issuecredential.Format, *decorator.Attachment, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return issuecredential.Format{}, nil, errors.Wrap(err, "marshal attachment payload")
	}

	attachment := decorator.NewBase64Attachment(raw)

	return issuecredential.Format{AttachID: attachment.ID, Format: format}, attachment, nil
}

func fetchInto(attachment *decorator.Attachment, v interface{}) error {
	if attachment == nil {
		return errors.New("missing attachment")
	}

	payload, err := attachment.Data.Fetch()
	if err != nil {
		return errors.Wrap(err, "fetch attachment")
	}

	return errors.Wrap(json.Unmarshal(payload, v), "parse attachment")
}

// CreateProposal implements issuecredential.FormatService.
func (s *Service) CreateProposal(_ context.Context, _ *issuecredential.Record,
	detail interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	filter, ok := detail.(*Filter)
	if !ok {
		return issuecredential.Format{}, nil, fmt.Errorf("expected *indy.Filter, got %T", detail)
	}

	return attach(filter, FilterFormat)
}

// CreateOffer implements issuecredential.FormatService. The credential
// definition comes from the detail when given, falling back to the proposal
// filter.
func (s *Service) CreateOffer(ctx context.Context, _ *issuecredential.Record,
	proposalAttachment *decorator.Attachment, detail interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	if s.issuer == nil {
		return issuecredential.Format{}, nil, errors.New("issuer capability not configured")
	}

	credDefID := ""

	switch d := detail.(type) {
	case nil:
		filter := &Filter{}
		if err := fetchInto(proposalAttachment, filter); err != nil {
			return issuecredential.Format{}, nil, err
		}

		credDefID = filter.CredDefID
	case *Filter:
		credDefID = d.CredDefID
	default:
		return issuecredential.Format{}, nil, fmt.Errorf("expected *indy.Filter, got %T", detail)
	}

	if credDefID == "" {
		return issuecredential.Format{}, nil, errors.New("credential definition id is required")
	}

	offer, err := s.issuer.CreateCredentialOffer(ctx, credDefID)
	if err != nil {
		return issuecredential.Format{}, nil, errors.Wrap(err, "create credential offer")
	}

	return attach(offer, AbstractFormat)
}

// CreateRequest implements issuecredential.FormatService.
func (s *Service) CreateRequest(ctx context.Context, _ *issuecredential.Record,
	offerAttachment *decorator.Attachment, _ interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	if s.holder == nil {
		return issuecredential.Format{}, nil, errors.New("holder capability not configured")
	}

	offer := &Offer{}
	if err := fetchInto(offerAttachment, offer); err != nil {
		return issuecredential.Format{}, nil, err
	}

	request, err := s.holder.CreateCredentialRequest(ctx, offer)
	if err != nil {
		return issuecredential.Format{}, nil, errors.Wrap(err, "create credential request")
	}

	return attach(request, RequestFormat)
}

// CreateCredential implements issuecredential.FormatService. The attribute
// values come from the exchange record's credential attributes.
func (s *Service) CreateCredential(ctx context.Context, record *issuecredential.Record,
	requestAttachment *decorator.Attachment, _ interface{}) (issuecredential.Format, *decorator.Attachment, error) {
	if s.issuer == nil {
		return issuecredential.Format{}, nil, errors.New("issuer capability not configured")
	}

	request := &Request{}
	if err := fetchInto(requestAttachment, request); err != nil {
		return issuecredential.Format{}, nil, err
	}

	offer := &Offer{}

	offerAttachment := offerAttachmentOf(record)
	if offerAttachment != nil {
		if err := fetchInto(offerAttachment, offer); err != nil {
			return issuecredential.Format{}, nil, err
		}
	}

	values := make(map[string]CredentialValue, len(record.CredentialAttributes))
	for _, attribute := range record.CredentialAttributes {
		values[attribute.Name] = CredentialValue{Raw: attribute.Value, Encoded: encodeValue(attribute.Value)}
	}

	issued, err := s.issuer.CreateCredential(ctx, offer, request, values)
	if err != nil {
		return issuecredential.Format{}, nil, errors.Wrap(err, "create credential")
	}

	return attach(issued, CredentialFormat)
}

func offerAttachmentOf(record *issuecredential.Record) *decorator.Attachment {
	for _, format := range record.OfferFormats {
		if format.Format == AbstractFormat {
			return issuecredential.AttachmentByID(record.OfferAttachments, format.AttachID)
		}
	}

	return nil
}

// ProcessCredential implements issuecredential.FormatService. The received
// credential must answer the request's credential definition.
func (s *Service) ProcessCredential(ctx context.Context, _ *issuecredential.Record,
	credentialAttachment, requestAttachment *decorator.Attachment) (issuecredential.CredentialReference, error) {
	var reference issuecredential.CredentialReference

	received := &Credential{}
	if err := fetchInto(credentialAttachment, received); err != nil {
		return reference, err
	}

	request := &Request{}
	if err := fetchInto(requestAttachment, request); err != nil {
		return reference, err
	}

	if received.CredDefID == "" || received.CredDefID != request.CredDefID {
		return reference, &issuecredential.CredentialMismatchError{
			Reason:  issuecredential.MismatchSubject,
			Message: "received credential does not match credential request",
		}
	}

	if len(received.Values) == 0 {
		return reference, &issuecredential.CredentialMismatchError{
			Reason:  issuecredential.MismatchSubject,
			Message: "received credential carries no attribute values",
		}
	}

	payload, err := credentialAttachment.Data.Fetch()
	if err != nil {
		return reference, errors.Wrap(err, "fetch credential")
	}

	id, err := s.store.Save(ctx, CredentialRecordType, payload)
	if err != nil {
		return reference, errors.Wrap(err, "store credential")
	}

	logger.Debugf("stored indy credential %s", id)

	return issuecredential.CredentialReference{
		CredentialRecordType: CredentialRecordType,
		CredentialRecordID:   id,
	}, nil
}

// ShouldAutoRespondToProposal implements issuecredential.FormatService. A
// proposal matches when its filter binds the same credential definition the
// offer was built from.
func (s *Service) ShouldAutoRespondToProposal(_ context.Context, _ *issuecredential.Record,
	proposalAttachment, offerAttachment *decorator.Attachment) bool {
	filter := &Filter{}
	if err := fetchInto(proposalAttachment, filter); err != nil {
		return false
	}

	offer := &Offer{}
	if err := fetchInto(offerAttachment, offer); err != nil {
		return false
	}

	return filterMatchesOffer(filter, offer)
}

// ShouldAutoRespondToOffer implements issuecredential.FormatService.
func (s *Service) ShouldAutoRespondToOffer(_ context.Context, _ *issuecredential.Record,
	offerAttachment, proposalAttachment *decorator.Attachment) bool {
	offer := &Offer{}
	if err := fetchInto(offerAttachment, offer); err != nil {
		return false
	}

	filter := &Filter{}
	if err := fetchInto(proposalAttachment, filter); err != nil {
		return false
	}

	return filterMatchesOffer(filter, offer)
}

func filterMatchesOffer(filter *Filter, offer *Offer) bool {
	if filter.CredDefID != "" && filter.CredDefID != offer.CredDefID {
		return false
	}

	if filter.SchemaID != "" && filter.SchemaID != offer.SchemaID {
		return false
	}

	return filter.CredDefID != "" || filter.SchemaID != ""
}
