/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package local provides an in-process wallet that seals messages into
// legacy JWM envelopes. The content is encrypted once with a random content
// encryption key; the CEK is then sealed per recipient with NaCl box
// (authcrypt carries the sender verkey inside each recipient block,
// anoncrypt uses sealed boxes).
package local

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/trustmesh/agent-go/pkg/wallet"
)

// encodingType is the `typ` identifier marking the envelope format.
const encodingType = "JWM/1.0"

const (
	algAuthcrypt = "Authcrypt"
	algAnoncrypt = "Anoncrypt"
)

type keyPair struct {
	pub  *[32]byte
	priv *[32]byte
}

// Wallet is an in-memory key store implementing wallet.Wallet.
type Wallet struct {
	randSource io.Reader
	keys       map[string]*keyPair
	lock       sync.RWMutex
}

// New returns an empty local wallet.
func New() *Wallet {
	return &Wallet{
		randSource: rand.Reader,
		keys:       map[string]*keyPair{},
	}
}

// CreateKey mints a new key pair and returns its verkey (base58 public key).
func (w *Wallet) CreateKey() (string, error) {
	pub, priv, err := box.GenerateKey(w.randSource)
	if err != nil {
		return "", fmt.Errorf("createKey: %w", err)
	}

	verkey := base58.Encode(pub[:])

	w.lock.Lock()
	w.keys[verkey] = &keyPair{pub: pub, priv: priv}
	w.lock.Unlock()

	return verkey, nil
}

type envelope struct {
	Protected  string `json:"protected,omitempty"`
	IV         string `json:"iv,omitempty"`
	CipherText string `json:"ciphertext,omitempty"`
}

type protected struct {
	Enc        string      `json:"enc,omitempty"`
	Typ        string      `json:"typ,omitempty"`
	Alg        string      `json:"alg,omitempty"`
	Recipients []recipient `json:"recipients,omitempty"`
}

type recipient struct {
	EncryptedKey string          `json:"encrypted_key,omitempty"`
	Header       recipientHeader `json:"header,omitempty"`
}

type recipientHeader struct {
	KID    string `json:"kid,omitempty"`
	Sender string `json:"sender,omitempty"`
	IV     string `json:"iv,omitempty"`
}

// PackMessage seals payload for recipientKeys, authenticated by senderKey
// when non-empty.
func (w *Wallet) PackMessage(_ context.Context, payload []byte, recipientKeys []string, senderKey string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, wallet.NewCryptoError("pack", errors.New("no recipient keys"))
	}

	var cek [32]byte
	if _, err := io.ReadFull(w.randSource, cek[:]); err != nil {
		return nil, wallet.NewCryptoError("pack", err)
	}

	var nonce [24]byte
	if _, err := io.ReadFull(w.randSource, nonce[:]); err != nil {
		return nil, wallet.NewCryptoError("pack", err)
	}

	cipherText := secretbox.Seal(nil, payload, &nonce, &cek)

	alg := algAnoncrypt
	if senderKey != "" {
		alg = algAuthcrypt
	}

	recipients, err := w.buildRecipients(&cek, recipientKeys, senderKey)
	if err != nil {
		return nil, err
	}

	protBytes, err := json.Marshal(protected{
		Enc:        "xsalsa20poly1305",
		Typ:        encodingType,
		Alg:        alg,
		Recipients: recipients,
	})
	if err != nil {
		return nil, wallet.NewCryptoError("pack", err)
	}

	env, err := json.Marshal(envelope{
		Protected:  base64.RawURLEncoding.EncodeToString(protBytes),
		IV:         base64.RawURLEncoding.EncodeToString(nonce[:]),
		CipherText: base64.RawURLEncoding.EncodeToString(cipherText),
	})
	if err != nil {
		return nil, wallet.NewCryptoError("pack", err)
	}

	return env, nil
}

func (w *Wallet) buildRecipients(cek *[32]byte, recipientKeys []string, senderKey string) ([]recipient, error) {
	var senderPair *keyPair

	if senderKey != "" {
		w.lock.RLock()
		senderPair = w.keys[senderKey]
		w.lock.RUnlock()

		if senderPair == nil {
			return nil, wallet.NewCryptoError("pack", fmt.Errorf("sender key %s not found", senderKey))
		}
	}

	recipients := make([]recipient, 0, len(recipientKeys))

	for _, verkey := range recipientKeys {
		recPub, err := decodeVerkey(verkey)
		if err != nil {
			return nil, wallet.NewCryptoError("pack", err)
		}

		if senderPair == nil {
			encCEK, err := box.SealAnonymous(nil, cek[:], recPub, w.randSource)
			if err != nil {
				return nil, wallet.NewCryptoError("pack", err)
			}

			recipients = append(recipients, recipient{
				EncryptedKey: base64.RawURLEncoding.EncodeToString(encCEK),
				Header:       recipientHeader{KID: verkey},
			})

			continue
		}

		var keyNonce [24]byte
		if _, err := io.ReadFull(w.randSource, keyNonce[:]); err != nil {
			return nil, wallet.NewCryptoError("pack", err)
		}

		encCEK := box.Seal(nil, cek[:], &keyNonce, recPub, senderPair.priv)

		encSender, err := box.SealAnonymous(nil, []byte(senderKey), recPub, w.randSource)
		if err != nil {
			return nil, wallet.NewCryptoError("pack", err)
		}

		recipients = append(recipients, recipient{
			EncryptedKey: base64.RawURLEncoding.EncodeToString(encCEK),
			Header: recipientHeader{
				KID:    verkey,
				Sender: base64.RawURLEncoding.EncodeToString(encSender),
				IV:     base64.RawURLEncoding.EncodeToString(keyNonce[:]),
			},
		})
	}

	return recipients, nil
}

// UnpackMessage unseals an envelope produced by PackMessage.
func (w *Wallet) UnpackMessage(_ context.Context, envBytes []byte) (*wallet.UnpackResult, error) {
	env := &envelope{}
	if err := json.Unmarshal(envBytes, env); err != nil {
		return nil, wallet.NewCryptoError("unpack", fmt.Errorf("parse envelope: %w", err))
	}

	protBytes, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		return nil, wallet.NewCryptoError("unpack", fmt.Errorf("decode protected header: %w", err))
	}

	prot := &protected{}
	if err := json.Unmarshal(protBytes, prot); err != nil {
		return nil, wallet.NewCryptoError("unpack", fmt.Errorf("parse protected header: %w", err))
	}

	if prot.Typ != encodingType {
		return nil, wallet.NewCryptoError("unpack", fmt.Errorf("unexpected envelope type %q", prot.Typ))
	}

	rec, pair := w.findRecipient(prot.Recipients)
	if rec == nil {
		return nil, wallet.NewCryptoError("unpack", errors.New("no corresponding recipient key found"))
	}

	senderKey, cek, err := w.openCEK(rec, pair)
	if err != nil {
		return nil, err
	}

	nonceBytes, err := base64.RawURLEncoding.DecodeString(env.IV)
	if err != nil || len(nonceBytes) != 24 {
		return nil, wallet.NewCryptoError("unpack", errors.New("bad payload nonce"))
	}

	cipherText, err := base64.RawURLEncoding.DecodeString(env.CipherText)
	if err != nil {
		return nil, wallet.NewCryptoError("unpack", errors.New("bad ciphertext encoding"))
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	payload, ok := secretbox.Open(nil, cipherText, &nonce, cek)
	if !ok {
		return nil, wallet.NewCryptoError("unpack", errors.New("payload authentication failed"))
	}

	return &wallet.UnpackResult{
		Message:      payload,
		RecipientKey: rec.Header.KID,
		SenderKey:    senderKey,
	}, nil
}

func (w *Wallet) findRecipient(recipients []recipient) (*recipient, *keyPair) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	for i := range recipients {
		if pair, ok := w.keys[recipients[i].Header.KID]; ok {
			return &recipients[i], pair
		}
	}

	return nil, nil
}

// openCEK recovers the content encryption key from a recipient block,
// returning the authenticated sender verkey for authcrypt blocks.
func (w *Wallet) openCEK(rec *recipient, pair *keyPair) (string, *[32]byte, error) {
	encCEK, err := base64.RawURLEncoding.DecodeString(rec.EncryptedKey)
	if err != nil {
		return "", nil, wallet.NewCryptoError("unpack", errors.New("bad encrypted key encoding"))
	}

	if rec.Header.Sender == "" {
		cekBytes, ok := box.OpenAnonymous(nil, encCEK, pair.pub, pair.priv)
		if !ok || len(cekBytes) != 32 {
			return "", nil, wallet.NewCryptoError("unpack", errors.New("sealed key decryption failed"))
		}

		return "", toKey(cekBytes), nil
	}

	encSender, err := base64.RawURLEncoding.DecodeString(rec.Header.Sender)
	if err != nil {
		return "", nil, wallet.NewCryptoError("unpack", errors.New("bad sender encoding"))
	}

	senderBytes, ok := box.OpenAnonymous(nil, encSender, pair.pub, pair.priv)
	if !ok {
		return "", nil, wallet.NewCryptoError("unpack", errors.New("sender decryption failed"))
	}

	senderKey := string(senderBytes)

	senderPub, err := decodeVerkey(senderKey)
	if err != nil {
		return "", nil, wallet.NewCryptoError("unpack", err)
	}

	nonceBytes, err := base64.RawURLEncoding.DecodeString(rec.Header.IV)
	if err != nil || len(nonceBytes) != 24 {
		return "", nil, wallet.NewCryptoError("unpack", errors.New("bad key nonce"))
	}

	var keyNonce [24]byte
	copy(keyNonce[:], nonceBytes)

	cekBytes, ok := box.Open(nil, encCEK, &keyNonce, senderPub, pair.priv)
	if !ok || len(cekBytes) != 32 {
		return "", nil, wallet.NewCryptoError("unpack", errors.New("key decryption failed"))
	}

	return senderKey, toKey(cekBytes), nil
}

func decodeVerkey(verkey string) (*[32]byte, error) {
	raw := base58.Decode(verkey)
	if len(raw) != 32 {
		return nil, fmt.Errorf("verkey %q is not a base58 32-byte key", verkey)
	}

	return toKey(raw), nil
}

func toKey(b []byte) *[32]byte {
	var key [32]byte

	copy(key[:], b)

	return &key
}
