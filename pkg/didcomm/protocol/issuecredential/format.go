/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"context"

	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/decorator"
)

// FormatService produces and consumes the format-specific attachments of one
// credential format. Implementations never mutate the exchange record; any
// credential they persist is reported back as a CredentialReference for the
// engine to append.
type FormatService interface {
	// FormatKind names the credential format family, such as "jsonld" or
	// "indy".
	FormatKind() string

	// Accept reports whether the given format identifier belongs to this
	// service.
	Accept(format string) bool

	// CreateProposal builds a proposal attachment from format-specific
	// detail.
	CreateProposal(ctx context.Context, record *Record, detail interface{}) (Format, *decorator.Attachment, error)

	// CreateOffer builds an offer attachment, echoing the prior proposal
	// attachment when detail is nil.
	CreateOffer(ctx context.Context, record *Record, proposalAttachment *decorator.Attachment,
		detail interface{}) (Format, *decorator.Attachment, error)

	// CreateRequest builds a request attachment answering the given offer.
	CreateRequest(ctx context.Context, record *Record, offerAttachment *decorator.Attachment,
		detail interface{}) (Format, *decorator.Attachment, error)

	// CreateCredential issues the credential answering the given request.
	CreateCredential(ctx context.Context, record *Record, requestAttachment *decorator.Attachment,
		detail interface{}) (Format, *decorator.Attachment, error)

	// ProcessCredential validates a received credential against the request
	// it answers and persists it, returning a reference to the stored
	// credential.
	ProcessCredential(ctx context.Context, record *Record, credentialAttachment,
		requestAttachment *decorator.Attachment) (CredentialReference, error)

	// ShouldAutoRespondToProposal reports whether the received proposal is
	// semantically equal to the offer this service would produce for it.
	ShouldAutoRespondToProposal(ctx context.Context, record *Record, proposalAttachment,
		offerAttachment *decorator.Attachment) bool

	// ShouldAutoRespondToOffer reports whether the received offer is
	// semantically equal to this party's earlier proposal.
	ShouldAutoRespondToOffer(ctx context.Context, record *Record, offerAttachment,
		proposalAttachment *decorator.Attachment) bool
}
