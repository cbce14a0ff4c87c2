/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import "fmt"

// Mismatch reasons distinguishing which check a received credential failed.
const (
	MismatchSubject      = "subject"
	MismatchDomain       = "domain"
	MismatchChallenge    = "challenge"
	MismatchProofType    = "proofType"
	MismatchProofPurpose = "proofPurpose"
)

// CredentialMismatchError indicates a received credential does not match the
// request it answers. Reason names the first failed check.
type CredentialMismatchError struct {
	Reason  string
	Message string
}

func (e *CredentialMismatchError) Error() string {
	return e.Message
}

func newMismatchError(reason, message string) *CredentialMismatchError {
	return &CredentialMismatchError{Reason: reason, Message: message}
}

// ThreadMismatchError indicates an inbound message resolved an exchange
// record belonging to a different connection.
type ThreadMismatchError struct {
	ThreadID string
	Expected string
	Actual   string
}

func (e *ThreadMismatchError) Error() string {
	return fmt.Sprintf("credential exchange %s belongs to connection %s, not %s",
		e.ThreadID, e.Expected, e.Actual)
}

// InvalidStateTransitionError indicates a message arrived in a state that
// does not permit it.
type InvalidStateTransitionError struct {
	From State
	To   State
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// NoSuitableVerificationMethodError indicates the issuer's DID document
// carries no assertion method compatible with the requested proof type.
type NoSuitableVerificationMethodError struct {
	ProofType string
	DID       string
}

func (e *NoSuitableVerificationMethodError) Error() string {
	return fmt.Sprintf("no verification method in %s suitable for proof type %s", e.DID, e.ProofType)
}
