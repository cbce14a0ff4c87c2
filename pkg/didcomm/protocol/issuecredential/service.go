/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package issuecredential implements the issue-credential 2.0 protocol
// engine. The engine owns exchange state and message choreography; the
// format-specific payloads are delegated to registered format services.
package issuecredential

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trustmesh/agent-go/pkg/common/log"
	"github.com/trustmesh/agent-go/pkg/didcomm/common/service"
	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/decorator"
	"github.com/trustmesh/agent-go/pkg/storage"
)

// Name of this protocol service.
const Name = "issue-credential"

// codeIssuanceAbandoned is the problem report code sent when an exchange is
// abandoned.
const codeIssuanceAbandoned = "issuance-abandoned"

var logger = log.New("agent-go/issuecredential")

// Messenger sends outbound DIDComm messages over an established connection.
type Messenger interface {
	Send(ctx context.Context, msg service.DIDCommMsgMap, connectionID string) error
}

// Provider contains the dependencies of the protocol engine.
type Provider interface {
	StorageProvider() storage.Provider
	Messenger() Messenger
	FormatServices() []FormatService
}

// FormatDetail carries format-specific input for one format service,
// addressed by format kind.
type FormatDetail struct {
	FormatKind string
	Detail     interface{}
}

// ProposeCredentialParams is the input of ProposeCredential.
type ProposeCredentialParams struct {
	ConnectionID      string
	Comment           string
	CredentialPreview *PreviewCredential
	Details           []FormatDetail
}

// OfferCredentialParams is the input of OfferCredential. A non-empty
// ThreadID responds to a received proposal; otherwise a fresh exchange is
// started on ConnectionID.
type OfferCredentialParams struct {
	ConnectionID      string
	ThreadID          string
	Comment           string
	CredentialPreview *PreviewCredential
	Details           []FormatDetail
}

// RequestCredentialParams is the input of RequestCredential.
type RequestCredentialParams struct {
	ThreadID string
	Comment  string
	Details  []FormatDetail
}

// IssueCredentialParams is the input of IssueCredential.
type IssueCredentialParams struct {
	ThreadID string
	Comment  string
	Details  []FormatDetail
}

// Option configures the protocol engine.
type Option func(*Service)

// WithAutoRespond enables automatic responses when an inbound proposal or
// offer is semantically equal to what this party already sent.
func WithAutoRespond() Option {
	return func(s *Service) {
		s.autoRespond = true
	}
}

// Service is the issue-credential 2.0 protocol engine.
type Service struct {
	records     *RecordStore
	messenger   Messenger
	formats     []FormatService
	middlewares []Middleware
	locks       sync.Map
	autoRespond bool
}

// New returns a protocol engine wired to the given provider.
func New(provider Provider, opts ...Option) (*Service, error) {
	records, err := NewRecordStore(provider.StorageProvider())
	if err != nil {
		return nil, err
	}

	s := &Service{
		records:   records,
		messenger: provider.Messenger(),
		formats:   provider.FormatServices(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Use registers middlewares, run in registration order on every state
// transition.
func (s *Service) Use(middlewares ...Middleware) {
	s.middlewares = append(s.middlewares, middlewares...)
}

// GetRecord returns the exchange record keyed by thread id.
func (s *Service) GetRecord(threadID string) (*Record, error) {
	return s.records.FindByThreadID(threadID)
}

func (s *Service) lockThread(threadID string) func() {
	value, _ := s.locks.LoadOrStore(threadID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}

func (s *Service) serviceByKind(kind string) (FormatService, error) {
	for _, format := range s.formats {
		if format.FormatKind() == kind {
			return format, nil
		}
	}

	return nil, fmt.Errorf("no format service registered for kind %q", kind)
}

func (s *Service) serviceByFormat(format string) (FormatService, error) {
	for _, svc := range s.formats {
		if svc.Accept(format) {
			return svc, nil
		}
	}

	return nil, fmt.Errorf("no format service accepts format %q", format)
}

// attachmentFor returns the attachment belonging to the given service among
// the format entries of one message stage.
func attachmentFor(svc FormatService, formats []Format, attachments []decorator.Attachment) *decorator.Attachment {
	for _, format := range formats {
		if svc.Accept(format.Format) {
			return AttachmentByID(attachments, format.AttachID)
		}
	}

	return nil
}

// save runs the middleware chain for the given transition and persists the
// record as its final step.
func (s *Service) save(record *Record, msg service.DIDCommMsgMap, next State) error {
	if !record.State.CanTransitionTo(next) {
		return &InvalidStateTransitionError{From: record.State, To: next}
	}

	record.State = next

	handler := chainMiddleware(HandlerFunc(func(md Metadata) error {
		return s.records.Save(md.Record())
	}), s.middlewares)

	return handler.Handle(&metadata{record: record, msg: msg, stateName: string(next)})
}

// ProposeCredential starts an exchange as the Holder by sending a
// propose-credential message.
func (s *Service) ProposeCredential(ctx context.Context, params ProposeCredentialParams) (*Record, error) {
	record := NewRecord(uuid.New().String(), params.ConnectionID)

	unlock := s.lockThread(record.ThreadID)
	defer unlock()

	for _, detail := range params.Details {
		svc, err := s.serviceByKind(detail.FormatKind)
		if err != nil {
			return nil, err
		}

		format, attachment, err := svc.CreateProposal(ctx, record, detail.Detail)
		if err != nil {
			return nil, errors.Wrap(err, "create proposal")
		}

		record.ProposalFormats = append(record.ProposalFormats, format)
		record.ProposalAttachments = append(record.ProposalAttachments, *attachment)
	}

	if params.CredentialPreview != nil {
		record.CredentialAttributes = params.CredentialPreview.Attributes
	}

	msg := service.NewDIDCommMsgMap(&ProposeCredential{
		Type:              ProposeCredentialMsgType,
		ID:                record.ThreadID,
		Comment:           params.Comment,
		CredentialPreview: params.CredentialPreview,
		Formats:           record.ProposalFormats,
		FiltersAttach:     record.ProposalAttachments,
	})

	if err := s.save(record, msg, StateProposalSent); err != nil {
		return nil, err
	}

	if err := s.messenger.Send(ctx, msg, record.ConnectionID); err != nil {
		return nil, errors.Wrap(err, "send proposal")
	}

	return record, nil
}

// OfferCredential sends an offer-credential message, either starting an
// exchange as the Issuer or responding to a received proposal.
func (s *Service) OfferCredential(ctx context.Context, params OfferCredentialParams) (*Record, error) {
	if params.ThreadID != "" {
		unlock := s.lockThread(params.ThreadID)
		defer unlock()

		record, err := s.records.FindByThreadID(params.ThreadID)
		if err != nil {
			return nil, err
		}

		return s.offer(ctx, record.Clone(), params)
	}

	record := NewRecord(uuid.New().String(), params.ConnectionID)

	unlock := s.lockThread(record.ThreadID)
	defer unlock()

	return s.offer(ctx, record, params)
}

func (s *Service) offer(ctx context.Context, record *Record, params OfferCredentialParams) (*Record, error) {
	details := params.Details
	if len(details) == 0 && len(record.ProposalFormats) > 0 {
		// respond in kind, echoing each proposal format
		for _, format := range record.ProposalFormats {
			svc, err := s.serviceByFormat(format.Format)
			if err != nil {
				return nil, err
			}

			details = append(details, FormatDetail{FormatKind: svc.FormatKind()})
		}
	}

	record.OfferFormats = nil
	record.OfferAttachments = nil

	for _, detail := range details {
		svc, err := s.serviceByKind(detail.FormatKind)
		if err != nil {
			return nil, err
		}

		proposal := attachmentFor(svc, record.ProposalFormats, record.ProposalAttachments)

		format, attachment, err := svc.CreateOffer(ctx, record, proposal, detail.Detail)
		if err != nil {
			return nil, errors.Wrap(err, "create offer")
		}

		record.OfferFormats = append(record.OfferFormats, format)
		record.OfferAttachments = append(record.OfferAttachments, *attachment)
	}

	if params.CredentialPreview != nil {
		record.CredentialAttributes = params.CredentialPreview.Attributes
	}

	msg := service.NewDIDCommMsgMap(&OfferCredential{
		Type:              OfferCredentialMsgType,
		ID:                uuid.New().String(),
		Comment:           params.Comment,
		CredentialPreview: params.CredentialPreview,
		Formats:           record.OfferFormats,
		OffersAttach:      record.OfferAttachments,
		Thread:            &decorator.Thread{ID: record.ThreadID},
	})

	if record.State == StateStart {
		msg.SetID(record.ThreadID)
	}

	if err := s.save(record, msg, StateOfferSent); err != nil {
		return nil, err
	}

	if err := s.messenger.Send(ctx, msg, record.ConnectionID); err != nil {
		return nil, errors.Wrap(err, "send offer")
	}

	return record, nil
}

// RequestCredential answers a received offer with a request-credential
// message.
func (s *Service) RequestCredential(ctx context.Context, params RequestCredentialParams) (*Record, error) {
	unlock := s.lockThread(params.ThreadID)
	defer unlock()

	record, err := s.records.FindByThreadID(params.ThreadID)
	if err != nil {
		return nil, err
	}

	return s.request(ctx, record.Clone(), params.Comment, params.Details)
}

func (s *Service) request(ctx context.Context, record *Record, comment string, details []FormatDetail) (*Record, error) {
	if len(details) == 0 {
		for _, format := range record.OfferFormats {
			svc, err := s.serviceByFormat(format.Format)
			if err != nil {
				return nil, err
			}

			details = append(details, FormatDetail{FormatKind: svc.FormatKind()})
		}
	}

	record.RequestFormats = nil
	record.RequestAttachments = nil

	for _, detail := range details {
		svc, err := s.serviceByKind(detail.FormatKind)
		if err != nil {
			return nil, err
		}

		offer := attachmentFor(svc, record.OfferFormats, record.OfferAttachments)

		format, attachment, err := svc.CreateRequest(ctx, record, offer, detail.Detail)
		if err != nil {
			return nil, errors.Wrap(err, "create request")
		}

		record.RequestFormats = append(record.RequestFormats, format)
		record.RequestAttachments = append(record.RequestAttachments, *attachment)
	}

	msg := service.NewDIDCommMsgMap(&RequestCredential{
		Type:           RequestCredentialMsgType,
		ID:             uuid.New().String(),
		Comment:        comment,
		Formats:        record.RequestFormats,
		RequestsAttach: record.RequestAttachments,
		Thread:         &decorator.Thread{ID: record.ThreadID},
	})

	if err := s.save(record, msg, StateRequestSent); err != nil {
		return nil, err
	}

	if err := s.messenger.Send(ctx, msg, record.ConnectionID); err != nil {
		return nil, errors.Wrap(err, "send request")
	}

	return record, nil
}

// IssueCredential answers a received request with an issue-credential
// message carrying the issued credentials.
func (s *Service) IssueCredential(ctx context.Context, params IssueCredentialParams) (*Record, error) {
	unlock := s.lockThread(params.ThreadID)
	defer unlock()

	record, err := s.records.FindByThreadID(params.ThreadID)
	if err != nil {
		return nil, err
	}

	record = record.Clone()

	var (
		formats     []Format
		attachments []decorator.Attachment
	)

	details := params.Details
	if len(details) == 0 {
		for _, format := range record.RequestFormats {
			svc, err := s.serviceByFormat(format.Format)
			if err != nil {
				return nil, err
			}

			details = append(details, FormatDetail{FormatKind: svc.FormatKind()})
		}
	}

	for _, detail := range details {
		svc, err := s.serviceByKind(detail.FormatKind)
		if err != nil {
			return nil, err
		}

		request := attachmentFor(svc, record.RequestFormats, record.RequestAttachments)

		format, attachment, err := svc.CreateCredential(ctx, record, request, detail.Detail)
		if err != nil {
			return nil, errors.Wrap(err, "create credential")
		}

		formats = append(formats, format)
		attachments = append(attachments, *attachment)
	}

	msg := service.NewDIDCommMsgMap(&IssueCredential{
		Type:              IssueCredentialMsgType,
		ID:                uuid.New().String(),
		Comment:           params.Comment,
		Formats:           formats,
		CredentialsAttach: attachments,
		Thread:            &decorator.Thread{ID: record.ThreadID},
	})

	if err := s.save(record, msg, StateCredentialIssued); err != nil {
		return nil, err
	}

	if err := s.messenger.Send(ctx, msg, record.ConnectionID); err != nil {
		return nil, errors.Wrap(err, "send credential")
	}

	return record, nil
}

// Abandon abandons the exchange and notifies the other party with a
// problem-report.
func (s *Service) Abandon(ctx context.Context, threadID, reason string) error {
	unlock := s.lockThread(threadID)
	defer unlock()

	record, err := s.records.FindByThreadID(threadID)
	if err != nil {
		return err
	}

	record = record.Clone()
	record.ErrorMessage = reason

	msg := service.NewDIDCommMsgMap(&ProblemReport{
		Type:        ProblemReportMsgType,
		ID:          uuid.New().String(),
		Description: Code{Code: codeIssuanceAbandoned, En: reason},
		Thread:      &decorator.Thread{ID: record.ThreadID},
	})

	if err := s.save(record, msg, StateAbandoned); err != nil {
		return err
	}

	return errors.Wrap(s.messenger.Send(ctx, msg, record.ConnectionID), "send problem report")
}

// abandonLocal marks the exchange abandoned without notifying the other
// party. Used when the failure was reported by them.
func (s *Service) abandonLocal(record *Record, msg service.DIDCommMsgMap, reason string) error {
	record.ErrorMessage = reason

	return s.save(record, msg, StateAbandoned)
}

// ProcessIncoming handles one inbound protocol message received over the
// given connection.
func (s *Service) ProcessIncoming(ctx context.Context, msg service.DIDCommMsgMap, connectionID string) error {
	threadID, err := msg.ThreadID()
	if err != nil {
		return err
	}

	unlock := s.lockThread(threadID)
	defer unlock()

	record, err := s.records.FindByThreadID(threadID)
	if err != nil && !errors.Is(err, storage.ErrDataNotFound) {
		return err
	}

	if record != nil {
		if record.ConnectionID != connectionID {
			return &ThreadMismatchError{
				ThreadID: threadID,
				Expected: record.ConnectionID,
				Actual:   connectionID,
			}
		}

		record = record.Clone()
	}

	logger.Debugf("incoming %s on thread %s", msg.Type(), threadID)

	switch msg.Type() {
	case ProposeCredentialMsgType:
		return s.handleProposal(ctx, msg, record, threadID, connectionID)
	case OfferCredentialMsgType:
		return s.handleOffer(ctx, msg, record, threadID, connectionID)
	case RequestCredentialMsgType:
		return s.handleRequest(ctx, msg, record)
	case IssueCredentialMsgType:
		return s.handleIssue(ctx, msg, record)
	case AckMsgType:
		return s.handleAck(msg, record)
	case ProblemReportMsgType:
		return s.handleProblemReport(msg, record)
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type())
	}
}

func (s *Service) handleProposal(ctx context.Context, msg service.DIDCommMsgMap,
	record *Record, threadID, connectionID string) error {
	proposal := &ProposeCredential{}
	if err := msg.Decode(proposal); err != nil {
		return errors.Wrap(err, "decode proposal")
	}

	if record == nil {
		record = NewRecord(threadID, connectionID)
	}

	record.ProposalFormats = proposal.Formats
	record.ProposalAttachments = proposal.FiltersAttach

	if proposal.CredentialPreview != nil {
		record.CredentialAttributes = proposal.CredentialPreview.Attributes
	}

	if err := s.save(record, msg, StateProposalReceived); err != nil {
		return err
	}

	if s.autoRespond && len(record.OfferFormats) > 0 && s.proposalMatchesOffer(ctx, record) {
		logger.Infof("auto-responding to proposal on thread %s", record.ThreadID)

		_, err := s.offer(ctx, record, OfferCredentialParams{})

		return err
	}

	return nil
}

func (s *Service) proposalMatchesOffer(ctx context.Context, record *Record) bool {
	for _, format := range record.ProposalFormats {
		svc, err := s.serviceByFormat(format.Format)
		if err != nil {
			return false
		}

		proposal := AttachmentByID(record.ProposalAttachments, format.AttachID)
		offer := attachmentFor(svc, record.OfferFormats, record.OfferAttachments)

		if proposal == nil || offer == nil || !svc.ShouldAutoRespondToProposal(ctx, record, proposal, offer) {
			return false
		}
	}

	return true
}

func (s *Service) handleOffer(ctx context.Context, msg service.DIDCommMsgMap,
	record *Record, threadID, connectionID string) error {
	offer := &OfferCredential{}
	if err := msg.Decode(offer); err != nil {
		return errors.Wrap(err, "decode offer")
	}

	if record == nil {
		record = NewRecord(threadID, connectionID)
	}

	record.OfferFormats = offer.Formats
	record.OfferAttachments = offer.OffersAttach

	if offer.CredentialPreview != nil {
		record.CredentialAttributes = offer.CredentialPreview.Attributes
	}

	if err := s.save(record, msg, StateOfferReceived); err != nil {
		return err
	}

	if s.autoRespond && len(record.ProposalFormats) > 0 && s.offerMatchesProposal(ctx, record) {
		logger.Infof("auto-responding to offer on thread %s", record.ThreadID)

		_, err := s.request(ctx, record, "", nil)

		return err
	}

	return nil
}

func (s *Service) offerMatchesProposal(ctx context.Context, record *Record) bool {
	for _, format := range record.OfferFormats {
		svc, err := s.serviceByFormat(format.Format)
		if err != nil {
			return false
		}

		offer := AttachmentByID(record.OfferAttachments, format.AttachID)
		proposal := attachmentFor(svc, record.ProposalFormats, record.ProposalAttachments)

		if offer == nil || proposal == nil || !svc.ShouldAutoRespondToOffer(ctx, record, offer, proposal) {
			return false
		}
	}

	return true
}

func (s *Service) handleRequest(_ context.Context, msg service.DIDCommMsgMap, record *Record) error {
	if record == nil {
		return storage.ErrDataNotFound
	}

	request := &RequestCredential{}
	if err := msg.Decode(request); err != nil {
		return errors.Wrap(err, "decode request")
	}

	record.RequestFormats = request.Formats
	record.RequestAttachments = request.RequestsAttach

	return s.save(record, msg, StateRequestReceived)
}

func (s *Service) handleIssue(ctx context.Context, msg service.DIDCommMsgMap, record *Record) error {
	if record == nil {
		return storage.ErrDataNotFound
	}

	// reject out-of-state messages before any format service stores anything
	if !record.State.CanTransitionTo(StateDone) {
		return &InvalidStateTransitionError{From: record.State, To: StateDone}
	}

	issue := &IssueCredential{}
	if err := msg.Decode(issue); err != nil {
		return errors.Wrap(err, "decode credential message")
	}

	references := make([]CredentialReference, 0, len(record.RequestFormats))

	var failures []string

	if len(record.RequestFormats) == 0 {
		failures = append(failures, "no requested formats to satisfy")
	}

	// every requested format must be answered and validate before the
	// exchange completes
	for _, requested := range record.RequestFormats {
		svc, err := s.serviceByFormat(requested.Format)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}

		credential := attachmentFor(svc, issue.Formats, issue.CredentialsAttach)
		request := AttachmentByID(record.RequestAttachments, requested.AttachID)

		if credential == nil || request == nil {
			failures = append(failures, fmt.Sprintf("no credential answers requested format %s", requested.Format))
			continue
		}

		reference, err := svc.ProcessCredential(ctx, record, credential, request)
		if err != nil {
			failures = append(failures, fmt.Sprintf("process %s credential: %v", svc.FormatKind(), err))
			continue
		}

		references = append(references, reference)
	}

	if len(failures) > 0 {
		reason := strings.Join(failures, "; ")

		logger.Warnf("abandoning thread %s: %s", record.ThreadID, reason)

		if err := s.abandonLocal(record, msg, reason); err != nil {
			return err
		}

		return errors.New(reason)
	}

	record.Credentials = append(record.Credentials, references...)

	if err := s.save(record, msg, StateDone); err != nil {
		return err
	}

	ack := service.NewDIDCommMsgMap(&Ack{
		Type:   AckMsgType,
		ID:     uuid.New().String(),
		Status: "OK",
		Thread: &decorator.Thread{ID: record.ThreadID},
	})

	return errors.Wrap(s.messenger.Send(ctx, ack, record.ConnectionID), "send ack")
}

func (s *Service) handleAck(msg service.DIDCommMsgMap, record *Record) error {
	if record == nil {
		return storage.ErrDataNotFound
	}

	// an ack closes an exchange only after this side issued the credential
	if record.State != StateCredentialIssued {
		return &InvalidStateTransitionError{From: record.State, To: StateDone}
	}

	return s.save(record, msg, StateDone)
}

func (s *Service) handleProblemReport(msg service.DIDCommMsgMap, record *Record) error {
	if record == nil {
		return storage.ErrDataNotFound
	}

	report := &ProblemReport{}
	if err := msg.Decode(report); err != nil {
		return errors.Wrap(err, "decode problem report")
	}

	reason := report.Description.En
	if reason == "" {
		reason = report.Description.Code
	}

	return s.abandonLocal(record, msg, reason)
}
