/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/decorator"
)

// SpecV2 is the issue-credential 2.0 protocol URI prefix.
const SpecV2 = "https://didcomm.org/issue-credential/2.0/"

// Message types of the issue-credential 2.0 protocol.
const (
	ProposeCredentialMsgType = SpecV2 + "propose-credential"
	OfferCredentialMsgType   = SpecV2 + "offer-credential"
	RequestCredentialMsgType = SpecV2 + "request-credential"
	IssueCredentialMsgType   = SpecV2 + "issue-credential"
	AckMsgType               = SpecV2 + "ack"
	ProblemReportMsgType     = SpecV2 + "problem-report"
	CredentialPreviewMsgType = SpecV2 + "credential-preview"
)

// Format maps an attachment id to the format identifier of its payload.
type Format struct {
	AttachID string `json:"attach_id,omitempty"`
	Format   string `json:"format,omitempty"`
}

// ProposeCredential is a message sent by the potential Holder to the
// potential Issuer to initiate the protocol or respond to an offer.
type ProposeCredential struct {
	Type string `json:"@type,omitempty"`
	ID   string `json:"@id,omitempty"`
	// Comment is an optional field to help coordinate credential issuance.
	Comment string `json:"comment,omitempty"`
	// CredentialPreview is an optional preview of the proposed credential.
	CredentialPreview *PreviewCredential `json:"credential_preview,omitempty"`
	// Formats contains an entry for each filters~attach array element,
	// providing the value of the attachment @id and the format of its data.
	Formats []Format `json:"formats,omitempty"`
	// FiltersAttach contains attachments defining the proposed credential.
	FiltersAttach []decorator.Attachment `json:"filters~attach,omitempty"`
	Thread        *decorator.Thread      `json:"~thread,omitempty"`
}

// OfferCredential is a message sent by the Issuer to the potential Holder,
// describing the credential they intend to offer.
type OfferCredential struct {
	Type    string `json:"@type,omitempty"`
	ID      string `json:"@id,omitempty"`
	Comment string `json:"comment,omitempty"`
	// CredentialPreview is a preview of the offered credential.
	CredentialPreview *PreviewCredential `json:"credential_preview,omitempty"`
	Formats           []Format           `json:"formats,omitempty"`
	// OffersAttach contains attachments defining the offered credential.
	OffersAttach []decorator.Attachment `json:"offers~attach,omitempty"`
	Thread       *decorator.Thread      `json:"~thread,omitempty"`
}

// RequestCredential is a message sent by the potential Holder to the Issuer
// to request the issuance of a credential.
type RequestCredential struct {
	Type    string   `json:"@type,omitempty"`
	ID      string   `json:"@id,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Formats []Format `json:"formats,omitempty"`
	// RequestsAttach contains attachments defining the requested credential.
	RequestsAttach []decorator.Attachment `json:"requests~attach,omitempty"`
	Thread         *decorator.Thread      `json:"~thread,omitempty"`
}

// IssueCredential contains the issued credential as a response to the
// Holder's request.
type IssueCredential struct {
	Type    string   `json:"@type,omitempty"`
	ID      string   `json:"@id,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Formats []Format `json:"formats,omitempty"`
	// CredentialsAttach contains attachments carrying the issued credentials.
	CredentialsAttach []decorator.Attachment `json:"credentials~attach,omitempty"`
	Thread            *decorator.Thread      `json:"~thread,omitempty"`
}

// Ack acknowledges receipt of the issued credential.
type Ack struct {
	Type   string            `json:"@type,omitempty"`
	ID     string            `json:"@id,omitempty"`
	Status string            `json:"status,omitempty"`
	Thread *decorator.Thread `json:"~thread,omitempty"`
}

// ProblemReport notifies the other party that the exchange was abandoned.
type ProblemReport struct {
	Type        string            `json:"@type,omitempty"`
	ID          string            `json:"@id,omitempty"`
	Description Code              `json:"description,omitempty"`
	Thread      *decorator.Thread `json:"~thread,omitempty"`
}

// Code is a problem report error descriptor.
type Code struct {
	Code string `json:"code,omitempty"`
	En   string `json:"en,omitempty"`
}

// Attribute is one field of a credential preview.
type Attribute struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime-type,omitempty"`
	Value    string `json:"value,omitempty"`
}

// PreviewCredential is a human-consumable preview of credential contents.
type PreviewCredential struct {
	Type       string      `json:"@type,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// NewPreviewCredential returns a preview carrying the given attributes.
func NewPreviewCredential(attributes []Attribute) *PreviewCredential {
	return &PreviewCredential{
		Type:       CredentialPreviewMsgType,
		Attributes: attributes,
	}
}

// Equal compares previews ignoring attribute order.
func (p *PreviewCredential) Equal(other *PreviewCredential) bool {
	if p == nil || other == nil {
		return p == other
	}

	if p.Type != other.Type || len(p.Attributes) != len(other.Attributes) {
		return false
	}

	counts := make(map[Attribute]int, len(p.Attributes))
	for _, attr := range p.Attributes {
		counts[attr]++
	}

	for _, attr := range other.Attributes {
		counts[attr]--
		if counts[attr] < 0 {
			return false
		}
	}

	return true
}
