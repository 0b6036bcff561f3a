/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package instruction implements the wallet provider's instruction protocol:
// challenge issuance, verification of double-signed instruction envelopes,
// replay protection through per-account sequence numbers, dispatch to
// instruction handlers and signing of instruction results.
//
// The wire types and signing helpers in this file are shared with the
// wallet-side client so both ends agree on the exact bytes covered by each
// signature.
package instruction

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
)

// Instruction names known to the provider.
const (
	NameCheckPin    = "check_pin"
	NameChangePin   = "change_pin"
	NameGenerateKey = "generate_key"
	NameSign        = "sign"
	NameIssueWTE    = "issue_wte"
)

// Domain separation prefixes for the two signature layers.
const (
	subjectChallengeRequest = "instruction_challenge_request"
	subjectInstruction      = "instruction"
)

// SignFunc signs a payload on behalf of one of the wallet's keys. The
// hardware variant may take noticeable time, hence the context.
type SignFunc func(ctx context.Context, payload []byte) ([]byte, error)

// ChallengeRequest asks the provider for an instruction challenge. It is
// signed with the wallet's hardware-attested key; its own sequence number
// prevents replaying the request itself.
type ChallengeRequest struct {
	WalletID       string `json:"walletId"`
	Name           string `json:"name"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	// Signature covers the challenge-request signing input. For Apple
	// attested keys this is an App Attest assertion instead of a plain
	// ECDSA signature.
	Signature []byte `json:"signature"`
}

// ChallengeResponse carries the issued challenge back to the wallet.
type ChallengeResponse struct {
	Nonce     []byte `json:"nonce"`
	ExpiresAt int64  `json:"expiresAt"` // Unix seconds
}

// Envelope is a signed instruction. The inner signature is produced with the
// PIN key and proves knowledge of the PIN; the outer signature is produced
// with the hardware-attested key and proves the instruction originates from
// the registered device.
type Envelope struct {
	WalletID       string          `json:"walletId"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Challenge      []byte          `json:"challenge"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	PinSignature   []byte          `json:"pinSignature"`
	KeySignature   []byte          `json:"keySignature"`
}

// ChallengeRequestInput is the byte string covered by a challenge request
// signature.
func ChallengeRequestInput(walletID, name string, sequenceNumber uint64) []byte {
	return signingInput([]byte(subjectChallengeRequest), []byte(walletID), []byte(name), sequenceBytes(sequenceNumber))
}

// PinInput is the byte string covered by the envelope's PIN signature.
func PinInput(e *Envelope) []byte {
	return signingInput([]byte(subjectInstruction), []byte(e.WalletID), []byte(e.Name),
		e.Challenge, e.Payload, sequenceBytes(e.SequenceNumber))
}

// KeyInput is the byte string covered by the envelope's hardware signature.
// It includes the PIN signature so the outer layer seals the inner one.
func KeyInput(e *Envelope) []byte {
	return append(PinInput(e), e.PinSignature...)
}

// NewChallengeRequest builds and signs a challenge request.
func NewChallengeRequest(ctx context.Context, walletID, name string, sequenceNumber uint64,
	hwSign SignFunc) (*ChallengeRequest, error) {
	signature, err := hwSign(ctx, ChallengeRequestInput(walletID, name, sequenceNumber))
	if err != nil {
		return nil, err
	}

	return &ChallengeRequest{
		WalletID:       walletID,
		Name:           name,
		SequenceNumber: sequenceNumber,
		Signature:      signature,
	}, nil
}

// NewEnvelope builds an instruction envelope and applies both signatures,
// PIN first, hardware second.
func NewEnvelope(ctx context.Context, walletID, name string, payload json.RawMessage,
	challenge []byte, sequenceNumber uint64, pinSign, hwSign SignFunc) (*Envelope, error) {
	envelope := &Envelope{
		WalletID:       walletID,
		Name:           name,
		Payload:        payload,
		Challenge:      challenge,
		SequenceNumber: sequenceNumber,
	}

	pinSignature, err := pinSign(ctx, PinInput(envelope))
	if err != nil {
		return nil, err
	}

	envelope.PinSignature = pinSignature

	keySignature, err := hwSign(ctx, KeyInput(envelope))
	if err != nil {
		return nil, err
	}

	envelope.KeySignature = keySignature

	return envelope, nil
}

// VerifyECDSA checks an ASN.1 DER signature over SHA-256 of the input.
func VerifyECDSA(pub *ecdsa.PublicKey, input, signature []byte) bool {
	digest := sha256.Sum256(input)

	return ecdsa.VerifyASN1(pub, digest[:], signature)
}

// signingInput length-prefixes each field so no two field sequences can
// produce the same byte string.
func signingInput(parts ...[]byte) []byte {
	var size int

	for _, part := range parts {
		size += 8 + len(part)
	}

	out := make([]byte, 0, size)

	var lenBuf [8]byte

	for _, part := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		out = append(out, lenBuf[:]...)
		out = append(out, part...)
	}

	return out
}

func sequenceBytes(n uint64) []byte {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], n)

	return buf[:]
}
