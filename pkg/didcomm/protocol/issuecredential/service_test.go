/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustmesh/agent-go/pkg/didcomm/common/service"
	"github.com/trustmesh/agent-go/pkg/didcomm/protocol/decorator"
	"github.com/trustmesh/agent-go/pkg/storage"
	"github.com/trustmesh/agent-go/pkg/storage/mem"
)

const (
	fakeDetailFormat = "fake/detail@v1.0"
	fakeCredFormat   = "fake/cred@v1.0"
)

type fakeFormat struct {
	processErr   error
	processCalls int
}

func (f *fakeFormat) FormatKind() string { return "fake" }

func (f *fakeFormat) Accept(format string) bool {
	return format == fakeDetailFormat || format == fakeCredFormat
}

func (f *fakeFormat) detailAttachment(detail interface{},
	echo *decorator.Attachment) (Format, *decorator.Attachment, error) {
	if detail == nil {
		if echo == nil {
			return Format{}, nil, errors.New("nothing to echo")
		}

		payload, err := echo.Data.Fetch()
		if err != nil {
			return Format{}, nil, err
		}

		attachment := decorator.NewBase64Attachment(payload)

		return Format{AttachID: attachment.ID, Format: fakeDetailFormat}, attachment, nil
	}

	attachment := decorator.NewJSONAttachment(detail)

	return Format{AttachID: attachment.ID, Format: fakeDetailFormat}, attachment, nil
}

func (f *fakeFormat) CreateProposal(_ context.Context, _ *Record,
	detail interface{}) (Format, *decorator.Attachment, error) {
	return f.detailAttachment(detail, nil)
}

func (f *fakeFormat) CreateOffer(_ context.Context, _ *Record, proposalAttachment *decorator.Attachment,
	detail interface{}) (Format, *decorator.Attachment, error) {
	return f.detailAttachment(detail, proposalAttachment)
}

func (f *fakeFormat) CreateRequest(_ context.Context, _ *Record, offerAttachment *decorator.Attachment,
	detail interface{}) (Format, *decorator.Attachment, error) {
	return f.detailAttachment(detail, offerAttachment)
}

func (f *fakeFormat) CreateCredential(_ context.Context, _ *Record, _ *decorator.Attachment,
	_ interface{}) (Format, *decorator.Attachment, error) {
	attachment := decorator.NewJSONAttachment(map[string]interface{}{"credential": "signed"})

	return Format{AttachID: attachment.ID, Format: fakeCredFormat}, attachment, nil
}

func (f *fakeFormat) ProcessCredential(_ context.Context, _ *Record,
	_, _ *decorator.Attachment) (CredentialReference, error) {
	f.processCalls++

	if f.processErr != nil {
		return CredentialReference{}, f.processErr
	}

	return CredentialReference{CredentialRecordType: "fake", CredentialRecordID: "cred-1"}, nil
}

func (f *fakeFormat) attachmentsEqual(a, b *decorator.Attachment) bool {
	payloadA, errA := a.Data.Fetch()
	payloadB, errB := b.Data.Fetch()

	return errA == nil && errB == nil && string(payloadA) == string(payloadB)
}

func (f *fakeFormat) ShouldAutoRespondToProposal(_ context.Context, _ *Record,
	proposalAttachment, offerAttachment *decorator.Attachment) bool {
	return f.attachmentsEqual(proposalAttachment, offerAttachment)
}

func (f *fakeFormat) ShouldAutoRespondToOffer(_ context.Context, _ *Record,
	offerAttachment, proposalAttachment *decorator.Attachment) bool {
	return f.attachmentsEqual(offerAttachment, proposalAttachment)
}

type sentMessage struct {
	msg          service.DIDCommMsgMap
	connectionID string
}

type captureMessenger struct {
	sent []sentMessage
}

func (m *captureMessenger) Send(_ context.Context, msg service.DIDCommMsgMap, connectionID string) error {
	m.sent = append(m.sent, sentMessage{msg: msg, connectionID: connectionID})

	return nil
}

func (m *captureMessenger) last(t *testing.T) service.DIDCommMsgMap {
	t.Helper()
	require.NotEmpty(t, m.sent)

	return m.sent[len(m.sent)-1].msg
}

type fakeProvider struct {
	storage   storage.Provider
	messenger Messenger
	formats   []FormatService
}

func (p *fakeProvider) StorageProvider() storage.Provider { return p.storage }
func (p *fakeProvider) Messenger() Messenger              { return p.messenger }
func (p *fakeProvider) FormatServices() []FormatService   { return p.formats }

func newEngine(t *testing.T, format FormatService, opts ...Option) (*Service, *captureMessenger) {
	t.Helper()

	messenger := &captureMessenger{}

	engine, err := New(&fakeProvider{
		storage:   mem.NewProvider(),
		messenger: messenger,
		formats:   []FormatService{format},
	}, opts...)
	require.NoError(t, err)

	return engine, messenger
}

func fakeDetail() FormatDetail {
	return FormatDetail{
		FormatKind: "fake",
		Detail:     map[string]interface{}{"credential": map[string]interface{}{"name": "Alice"}},
	}
}

// driveToRequestSent walks the holder and issuer through
// propose/offer/request and returns the thread id.
func driveToRequestSent(t *testing.T, holder *Service, holderOut *captureMessenger,
	issuer *Service, issuerOut *captureMessenger) string {
	t.Helper()

	ctx := context.Background()

	record, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	_, err = issuer.OfferCredential(ctx, OfferCredentialParams{ThreadID: record.ThreadID})
	require.NoError(t, err)

	require.NoError(t, holder.ProcessIncoming(ctx, issuerOut.last(t), "conn-holder"))

	_, err = holder.RequestCredential(ctx, RequestCredentialParams{ThreadID: record.ThreadID})
	require.NoError(t, err)

	return record.ThreadID
}

func TestFullExchangeHolderInitiated(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{})
	issuer, issuerOut := newEngine(t, &fakeFormat{})

	// holder proposes
	holderRecord, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Comment:      "please issue",
		CredentialPreview: NewPreviewCredential([]Attribute{
			{Name: "name", Value: "Alice"},
		}),
		Details: []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)
	require.Equal(t, StateProposalSent, holderRecord.State)

	threadID := holderRecord.ThreadID

	// issuer receives the proposal
	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	issuerRecord, err := issuer.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateProposalReceived, issuerRecord.State)
	require.Equal(t, []Attribute{{Name: "name", Value: "Alice"}}, issuerRecord.CredentialAttributes)

	// issuer offers in response
	issuerRecord, err = issuer.OfferCredential(ctx, OfferCredentialParams{ThreadID: threadID})
	require.NoError(t, err)
	require.Equal(t, StateOfferSent, issuerRecord.State)

	// holder receives the offer
	require.NoError(t, holder.ProcessIncoming(ctx, issuerOut.last(t), "conn-holder"))

	holderRecord, err = holder.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateOfferReceived, holderRecord.State)

	// holder requests
	holderRecord, err = holder.RequestCredential(ctx, RequestCredentialParams{ThreadID: threadID})
	require.NoError(t, err)
	require.Equal(t, StateRequestSent, holderRecord.State)

	// issuer receives the request and issues
	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	issuerRecord, err = issuer.IssueCredential(ctx, IssueCredentialParams{ThreadID: threadID})
	require.NoError(t, err)
	require.Equal(t, StateCredentialIssued, issuerRecord.State)

	// holder receives the credential, stores it and acks
	require.NoError(t, holder.ProcessIncoming(ctx, issuerOut.last(t), "conn-holder"))

	holderRecord, err = holder.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateDone, holderRecord.State)
	require.Equal(t, []CredentialReference{
		{CredentialRecordType: "fake", CredentialRecordID: "cred-1"},
	}, holderRecord.Credentials)

	ack := holderOut.last(t)
	require.Equal(t, AckMsgType, ack.Type())

	// issuer receives the ack
	require.NoError(t, issuer.ProcessIncoming(ctx, ack, "conn-issuer"))

	issuerRecord, err = issuer.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateDone, issuerRecord.State)
}

func TestIssuerInitiatedOffer(t *testing.T) {
	ctx := context.Background()

	issuer, issuerOut := newEngine(t, &fakeFormat{})
	holder, _ := newEngine(t, &fakeFormat{})

	record, err := issuer.OfferCredential(ctx, OfferCredentialParams{
		ConnectionID: "conn-issuer",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)
	require.Equal(t, StateOfferSent, record.State)

	require.NoError(t, holder.ProcessIncoming(ctx, issuerOut.last(t), "conn-holder"))

	holderRecord, err := holder.GetRecord(record.ThreadID)
	require.NoError(t, err)
	require.Equal(t, StateOfferReceived, holderRecord.State)
}

func TestProcessIncomingWrongState(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{})
	issuer, _ := newEngine(t, &fakeFormat{})

	record, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	// a request is not valid while the issuer holds a fresh proposal
	request := service.NewDIDCommMsgMap(&RequestCredential{
		Type:   RequestCredentialMsgType,
		ID:     "req-1",
		Thread: &decorator.Thread{ID: record.ThreadID},
	})

	err = issuer.ProcessIncoming(ctx, request, "conn-issuer")

	transitionErr := &InvalidStateTransitionError{}
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, StateProposalReceived, transitionErr.From)
	require.Equal(t, StateRequestReceived, transitionErr.To)
}

func TestProcessIncomingThreadMismatch(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{})
	issuer, _ := newEngine(t, &fakeFormat{})

	record, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-a"))

	msg := service.NewDIDCommMsgMap(&RequestCredential{
		Type:   RequestCredentialMsgType,
		ID:     "req-1",
		Thread: &decorator.Thread{ID: record.ThreadID},
	})

	err = issuer.ProcessIncoming(ctx, msg, "conn-b")

	mismatchErr := &ThreadMismatchError{}
	require.ErrorAs(t, err, &mismatchErr)
	require.Equal(t, "conn-a", mismatchErr.Expected)
	require.Equal(t, "conn-b", mismatchErr.Actual)
}

func TestProcessIncomingUnknownThread(t *testing.T) {
	issuer, _ := newEngine(t, &fakeFormat{})

	msg := service.NewDIDCommMsgMap(&RequestCredential{
		Type:   RequestCredentialMsgType,
		ID:     "req-1",
		Thread: &decorator.Thread{ID: "nobody-started-this"},
	})

	err := issuer.ProcessIncoming(context.Background(), msg, "conn-issuer")
	require.ErrorIs(t, err, storage.ErrDataNotFound)
}

func TestProcessIncomingUnsupportedType(t *testing.T) {
	engine, _ := newEngine(t, &fakeFormat{})

	msg := service.DIDCommMsgMap{"@id": "id-1", "@type": "https://didcomm.org/unknown/1.0/nope"}

	err := engine.ProcessIncoming(context.Background(), msg, "conn")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported message type")
}

func TestAbandonSendsProblemReport(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{})
	issuer, _ := newEngine(t, &fakeFormat{})

	record, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	require.NoError(t, issuer.Abandon(ctx, record.ThreadID, "policy forbids issuance"))

	issuerRecord, err := issuer.GetRecord(record.ThreadID)
	require.NoError(t, err)
	require.Equal(t, StateAbandoned, issuerRecord.State)
	require.Equal(t, "policy forbids issuance", issuerRecord.ErrorMessage)
}

func TestProblemReportAbandonsExchange(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{})
	issuer, _ := newEngine(t, &fakeFormat{})

	record, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	report := service.NewDIDCommMsgMap(&ProblemReport{
		Type:        ProblemReportMsgType,
		ID:          "pr-1",
		Description: Code{Code: "issuance-abandoned", En: "no longer interested"},
		Thread:      &decorator.Thread{ID: record.ThreadID},
	})

	require.NoError(t, holder.ProcessIncoming(ctx, report, "conn-holder"))

	holderRecord, err := holder.GetRecord(record.ThreadID)
	require.NoError(t, err)
	require.Equal(t, StateAbandoned, holderRecord.State)
	require.Equal(t, "no longer interested", holderRecord.ErrorMessage)
}

func TestProcessCredentialFailureAbandons(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{processErr: errors.New("subject mismatch")})
	issuer, issuerOut := newEngine(t, &fakeFormat{})

	record, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)

	threadID := record.ThreadID

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	_, err = issuer.OfferCredential(ctx, OfferCredentialParams{ThreadID: threadID})
	require.NoError(t, err)

	require.NoError(t, holder.ProcessIncoming(ctx, issuerOut.last(t), "conn-holder"))

	_, err = holder.RequestCredential(ctx, RequestCredentialParams{ThreadID: threadID})
	require.NoError(t, err)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	_, err = issuer.IssueCredential(ctx, IssueCredentialParams{ThreadID: threadID})
	require.NoError(t, err)

	err = holder.ProcessIncoming(ctx, issuerOut.last(t), "conn-holder")
	require.Error(t, err)
	require.Contains(t, err.Error(), "subject mismatch")

	holderRecord, err := holder.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateAbandoned, holderRecord.State)
	require.Empty(t, holderRecord.Credentials)
	require.Contains(t, holderRecord.ErrorMessage, "subject mismatch")
}

func TestIssueAnsweringNoRequestedFormatAbandons(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{})
	issuer, issuerOut := newEngine(t, &fakeFormat{})

	threadID := driveToRequestSent(t, holder, holderOut, issuer, issuerOut)

	// a credential message with no attachments must not complete the exchange
	issue := service.NewDIDCommMsgMap(&IssueCredential{
		Type:   IssueCredentialMsgType,
		ID:     "issue-1",
		Thread: &decorator.Thread{ID: threadID},
	})

	err := holder.ProcessIncoming(ctx, issue, "conn-holder")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no credential answers requested format")

	record, err := holder.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateAbandoned, record.State)
	require.Empty(t, record.Credentials)
}

func TestAckBeforeCredentialIssuedRejected(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{})
	issuer, issuerOut := newEngine(t, &fakeFormat{})

	threadID := driveToRequestSent(t, holder, holderOut, issuer, issuerOut)

	ack := service.NewDIDCommMsgMap(&Ack{
		Type:   AckMsgType,
		ID:     "ack-1",
		Status: "OK",
		Thread: &decorator.Thread{ID: threadID},
	})

	err := holder.ProcessIncoming(ctx, ack, "conn-holder")

	transitionErr := &InvalidStateTransitionError{}
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, StateRequestSent, transitionErr.From)
	require.Equal(t, StateDone, transitionErr.To)

	record, err := holder.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateRequestSent, record.State)
	require.Empty(t, record.Credentials)
}

func TestReplayedIssueDoesNotStoreAgain(t *testing.T) {
	ctx := context.Background()

	holderFormat := &fakeFormat{}
	holder, holderOut := newEngine(t, holderFormat)
	issuer, issuerOut := newEngine(t, &fakeFormat{})

	threadID := driveToRequestSent(t, holder, holderOut, issuer, issuerOut)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	_, err := issuer.IssueCredential(ctx, IssueCredentialParams{ThreadID: threadID})
	require.NoError(t, err)

	issue := issuerOut.last(t)

	require.NoError(t, holder.ProcessIncoming(ctx, issue, "conn-holder"))
	require.Equal(t, 1, holderFormat.processCalls)

	// a replay is rejected before any format service runs
	err = holder.ProcessIncoming(ctx, issue.Clone(), "conn-holder")

	transitionErr := &InvalidStateTransitionError{}
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, StateDone, transitionErr.From)
	require.Equal(t, 1, holderFormat.processCalls)

	record, err := holder.GetRecord(threadID)
	require.NoError(t, err)
	require.Equal(t, StateDone, record.State)
	require.Len(t, record.Credentials, 1)
}

func TestAutoRespondToOffer(t *testing.T) {
	ctx := context.Background()

	holder, holderOut := newEngine(t, &fakeFormat{}, WithAutoRespond())
	issuer, issuerOut := newEngine(t, &fakeFormat{})

	record, err := holder.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn-holder",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)

	require.NoError(t, issuer.ProcessIncoming(ctx, holderOut.last(t), "conn-issuer"))

	// the issuer echoes the proposal, so the offer matches what was proposed
	_, err = issuer.OfferCredential(ctx, OfferCredentialParams{ThreadID: record.ThreadID})
	require.NoError(t, err)

	require.NoError(t, holder.ProcessIncoming(ctx, issuerOut.last(t), "conn-holder"))

	holderRecord, err := holder.GetRecord(record.ThreadID)
	require.NoError(t, err)
	require.Equal(t, StateRequestSent, holderRecord.State)

	request := holderOut.last(t)
	require.Equal(t, RequestCredentialMsgType, request.Type())
}

func TestMiddlewareRunsOnEveryTransition(t *testing.T) {
	ctx := context.Background()

	engine, _ := newEngine(t, &fakeFormat{})

	var states []string

	engine.Use(func(next Handler) Handler {
		return HandlerFunc(func(md Metadata) error {
			states = append(states, md.StateName())

			return next.Handle(md)
		})
	})

	record, err := engine.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.NoError(t, err)
	require.Equal(t, []string{string(StateProposalSent)}, states)

	require.NoError(t, engine.Abandon(ctx, record.ThreadID, "test over"))
	require.Equal(t, []string{string(StateProposalSent), string(StateAbandoned)}, states)
}

func TestMiddlewareCanRejectTransition(t *testing.T) {
	ctx := context.Background()

	engine, _ := newEngine(t, &fakeFormat{})

	engine.Use(func(next Handler) Handler {
		return HandlerFunc(func(md Metadata) error {
			return errors.New("vetoed")
		})
	})

	_, err := engine.ProposeCredential(ctx, ProposeCredentialParams{
		ConnectionID: "conn",
		Details:      []FormatDetail{fakeDetail()},
	})
	require.EqualError(t, err, "vetoed")
}
