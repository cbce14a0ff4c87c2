/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

// State is a credential exchange state.
type State string

// Credential exchange states.
const (
	StateStart            State = "start"
	StateProposalSent     State = "proposal-sent"
	StateProposalReceived State = "proposal-received"
	StateOfferSent        State = "offer-sent"
	StateOfferReceived    State = "offer-received"
	StateRequestSent      State = "request-sent"
	StateRequestReceived  State = "request-received"
	StateCredentialIssued State = "credential-issued"
	StateDone             State = "done"
	StateAbandoned        State = "abandoned"
)

var transitions = map[State][]State{
	StateStart:            {StateProposalSent, StateProposalReceived, StateOfferSent, StateOfferReceived},
	StateProposalSent:     {StateOfferReceived, StateAbandoned},
	StateProposalReceived: {StateOfferSent, StateAbandoned},
	StateOfferSent:        {StateProposalReceived, StateRequestReceived, StateAbandoned},
	StateOfferReceived:    {StateRequestSent, StateAbandoned},
	StateRequestSent:      {StateDone, StateAbandoned},
	StateRequestReceived:  {StateCredentialIssued, StateAbandoned},
	StateCredentialIssued: {StateDone, StateAbandoned},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// CanTransitionTo reports whether the transition from s to next is allowed.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}
