/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package envelope implements the authenticated-encryption boundary between
// plaintext protocol messages and wire bytes, including nested forward
// wrapping for mediated routes.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/trustmesh/agent-go/pkg/common/log"
	"github.com/trustmesh/agent-go/pkg/wallet"
)

// ForwardMsgType is the DIDComm V1 route Forward message type.
const ForwardMsgType = "https://didcomm.org/routing/1.0/forward"

// ErrNoRecipientKeys is returned when packing is attempted without at least
// one recipient key. Forwarding in particular needs recipientKeys[0] to
// address the innermost Forward message.
var ErrNoRecipientKeys = errors.New("envelope: at least one recipient key is required")

var logger = log.New("agent-go/didcomm/envelope")

// Keys describes the key material one envelope is sealed with.
type Keys struct {
	// RecipientKeys are the verkeys of the final recipients, in order.
	RecipientKeys []string
	// RoutingKeys are the verkeys of mediators between the sender and the
	// recipients, ordered from the recipients outward.
	RoutingKeys []string
	// SenderKey authenticates the sender. Empty means anonymous sealing.
	SenderKey string
}

// Forward is the route Forward message wrapping one sealed layer.
type Forward struct {
	Type string          `json:"@type,omitempty"`
	ID   string          `json:"@id,omitempty"`
	To   string          `json:"to,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Service seals and unseals wire messages via the wallet capability.
// It is stateless and safe for concurrent use.
type Service struct {
	wallet wallet.Wallet
}

// New returns an envelope service backed by the given wallet.
func New(w wallet.Wallet) *Service {
	return &Service{wallet: w}
}

// PackMessage seals payload for keys.RecipientKeys and then wraps the result
// in one Forward layer per routing key, innermost first, so that each
// mediator can unseal only its own layer. Every Forward is addressed to the
// first recipient key.
func (s *Service) PackMessage(ctx context.Context, payload []byte, keys Keys) ([]byte, error) {
	if len(keys.RecipientKeys) == 0 {
		return nil, ErrNoRecipientKeys
	}

	wireMsg, err := s.wallet.PackMessage(ctx, payload, keys.RecipientKeys, keys.SenderKey)
	if err != nil {
		return nil, fmt.Errorf("packMessage: %w", err)
	}

	for _, routingKey := range keys.RoutingKeys {
		forward := Forward{
			Type: ForwardMsgType,
			ID:   uuid.New().String(),
			To:   keys.RecipientKeys[0],
			Msg:  wireMsg,
		}

		logger.Debugf("wrapping forward for routing key %s", routingKey)

		req, err := json.Marshal(forward)
		if err != nil {
			return nil, fmt.Errorf("packMessage: marshal forward: %w", err)
		}

		wireMsg, err = s.wallet.PackMessage(ctx, req, []string{routingKey}, keys.SenderKey)
		if err != nil {
			return nil, fmt.Errorf("packMessage: seal forward: %w", err)
		}
	}

	return wireMsg, nil
}

// UnpackMessage unseals one wire envelope. It does not peel Forward layers;
// that is the routing component's job.
func (s *Service) UnpackMessage(ctx context.Context, wireMsg []byte) (*wallet.UnpackResult, error) {
	result, err := s.wallet.UnpackMessage(ctx, wireMsg)
	if err != nil {
		return nil, fmt.Errorf("unpackMessage: %w", err)
	}

	return result, nil
}
