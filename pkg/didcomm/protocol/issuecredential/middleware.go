/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"github.com/trustmesh/agent-go/pkg/didcomm/common/service"
)

// Metadata is the view of an exchange step passed through the middleware
// chain.
type Metadata interface {
	// Record returns the exchange record as of this step.
	Record() *Record
	// Message returns the inbound or outbound message being handled.
	Message() service.DIDCommMsgMap
	// StateName returns the state the exchange is transitioning to.
	StateName() string
}

// Handler describes the middleware-visible continuation of a protocol step.
type Handler interface {
	Handle(metadata Metadata) error
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(metadata Metadata) error

// Handle implements Handler.
func (f HandlerFunc) Handle(metadata Metadata) error {
	return f(metadata)
}

// Middleware wraps a Handler with extra behavior.
type Middleware func(next Handler) Handler

type metadata struct {
	record    *Record
	msg       service.DIDCommMsgMap
	stateName string
}

func (m *metadata) Record() *Record                { return m.record }
func (m *metadata) Message() service.DIDCommMsgMap { return m.msg }
func (m *metadata) StateName() string              { return m.stateName }

func chainMiddleware(handler Handler, middlewares []Middleware) Handler {
	// wrap in reverse so that the first registered middleware runs first
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}

	return handler
}
