/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package accountclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
	"github.com/IAmCoder/nl-wallet/pkg/provider/instruction"
)

// ErrNotRegistered is returned when an instruction is attempted before the
// wallet has registered with the account server.
var ErrNotRegistered = errors.New("wallet is not registered")

// Wallet is the registered wallet's view of its account: the hardware key,
// the PIN salt and the instruction sequence state. Every instruction is
// double-signed, PIN key inside, hardware key outside.
type Wallet struct {
	client    *Client
	hsm       keys.Manager
	hwKeyID   string
	resultKey *ecdsa.PublicKey

	mu          sync.Mutex
	walletID    string
	certificate string
	sequence    uint64
	pinSalt     []byte
}

// NewWallet creates an unregistered wallet. hwKeyID names the key in the
// device key store that registration will attest; resultKey is the
// provider's instruction result verification key.
func NewWallet(client *Client, hsm keys.Manager, hwKeyID string, resultKey *ecdsa.PublicKey) *Wallet {
	return &Wallet{client: client, hsm: hsm, hwKeyID: hwKeyID, resultKey: resultKey}
}

// Registered reports whether registration completed.
func (w *Wallet) Registered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.walletID != ""
}

// WalletID returns the account id assigned at registration.
func (w *Wallet) WalletID() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.walletID
}

// Certificate returns the wallet certificate issued at registration.
func (w *Wallet) Certificate() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.certificate
}

// Register attests the hardware key against a fresh challenge, proves
// possession of the PIN key derived from the chosen PIN, and creates the
// account.
func (w *Wallet) Register(ctx context.Context, pin string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.walletID != "" {
		return errors.New("wallet is already registered")
	}

	challenge, err := w.client.RegistrationChallenge(ctx)
	if err != nil {
		return err
	}

	statement, err := w.hsm.Attest(ctx, w.hwKeyID, challenge)
	if err != nil {
		return err
	}

	salt, err := NewPinSalt()
	if err != nil {
		return err
	}

	pinKey := DerivePinKey(pin, salt)

	pinPublicKey, err := x509.MarshalPKIXPublicKey(pinKey.Public())
	if err != nil {
		return fmt.Errorf("marshal pin public key: %w", err)
	}

	msg := &instruction.RegistrationMessage{
		Challenge:         challenge,
		AttestationFormat: statement.Format,
		CertChain:         statement.CertChain,
		PinPublicKey:      pinPublicKey,
		PinSalt:           salt,
	}

	if statement.Format == keys.FormatApple {
		msg.AttestationObject = statement.Evidence
	}

	input := instruction.RegistrationInput(msg)

	if msg.PinSignature, err = signWithKey(pinKey, input); err != nil {
		return err
	}

	if msg.KeySignature, err = w.hsm.Sign(ctx, w.hwKeyID, input); err != nil {
		return err
	}

	result, err := w.client.Register(ctx, msg)
	if err != nil {
		return err
	}

	w.walletID = result.WalletID
	w.certificate = result.Certificate
	w.sequence = 0
	w.pinSalt = salt

	logger.Infof("registered wallet %s", w.walletID)

	return nil
}

// CheckPin validates a PIN entry against the account server.
func (w *Wallet) CheckPin(ctx context.Context, pin string) error {
	return w.execute(ctx, pin, instruction.NameCheckPin, nil, nil)
}

// ChangePin rotates the PIN key to one derived from the new PIN.
func (w *Wallet) ChangePin(ctx context.Context, oldPin, newPin string) error {
	salt, err := NewPinSalt()
	if err != nil {
		return err
	}

	newKey := DerivePinKey(newPin, salt)

	newPublicKey, err := x509.MarshalPKIXPublicKey(newKey.Public())
	if err != nil {
		return fmt.Errorf("marshal new pin public key: %w", err)
	}

	err = w.execute(ctx, oldPin, instruction.NameChangePin, &instruction.ChangePinPayload{
		NewPinPublicKey: newPublicKey,
		NewPinSalt:      salt,
	}, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.pinSalt = salt
	w.mu.Unlock()

	return nil
}

// GenerateKey creates a named key in the provider's HSM and returns its
// public half.
func (w *Wallet) GenerateKey(ctx context.Context, pin, keyID string) (*ecdsa.PublicKey, error) {
	var result instruction.GenerateKeyResult

	err := w.execute(ctx, pin, instruction.NameGenerateKey, &instruction.GenerateKeyPayload{KeyID: keyID}, &result)
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(result.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse generated public key: %w", err)
	}

	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("generated key is %T, not ECDSA", pub)
	}

	return ecKey, nil
}

// Sign signs data with a previously generated provider-held key.
func (w *Wallet) Sign(ctx context.Context, pin, keyID string, data []byte) ([]byte, error) {
	var result instruction.SignResult

	err := w.execute(ctx, pin, instruction.NameSign, &instruction.SignPayload{KeyID: keyID, Data: data}, &result)
	if err != nil {
		return nil, err
	}

	return result.Signature, nil
}

// IssueWTE requests fresh wallet trust evidence.
func (w *Wallet) IssueWTE(ctx context.Context, pin string) (string, error) {
	var result instruction.IssueWTEResult

	if err := w.execute(ctx, pin, instruction.NameIssueWTE, nil, &result); err != nil {
		return "", err
	}

	return result.WTE, nil
}

// execute runs the full instruction round trip: request a challenge, build
// the double-signed envelope, submit it and verify the result token against
// the provider key and the envelope's sequence number.
func (w *Wallet) execute(ctx context.Context, pin, name string, payload, result interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.walletID == "" {
		return ErrNotRegistered
	}

	var (
		payloadJSON json.RawMessage
		err         error
	)

	if payload != nil {
		if payloadJSON, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s payload: %w", name, err)
		}
	}

	// the challenge request and the envelope each consume a sequence number
	w.sequence++

	challengeReq, err := instruction.NewChallengeRequest(ctx, w.walletID, name, w.sequence, w.hwSign)
	if err != nil {
		return err
	}

	challenge, err := w.client.Challenge(ctx, challengeReq)
	if err != nil {
		return err
	}

	pinKey := DerivePinKey(pin, w.pinSalt)

	w.sequence++
	sequence := w.sequence

	envelope, err := instruction.NewEnvelope(ctx, w.walletID, name, payloadJSON,
		challenge.Nonce, sequence, pinSignFunc(pinKey), w.hwSign)
	if err != nil {
		return err
	}

	token, err := w.client.Submit(ctx, envelope)
	if err != nil {
		return err
	}

	raw, err := instruction.VerifyResult(token, w.resultKey, sequence)
	if err != nil {
		return fmt.Errorf("verify %s result: %w", name, err)
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode %s result: %w", name, err)
		}
	}

	return nil
}

func (w *Wallet) hwSign(ctx context.Context, payload []byte) ([]byte, error) {
	return w.hsm.Sign(ctx, w.hwKeyID, payload)
}

func pinSignFunc(key *ecdsa.PrivateKey) instruction.SignFunc {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		return signWithKey(key, payload)
	}
}

func signWithKey(key *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)

	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

// RemoteKeySigner signs credential presentations with keys held in the
// provider's HSM, going through the full PIN-confirmed instruction flow for
// every signature.
type RemoteKeySigner struct {
	Wallet *Wallet
	Pin    string
}

// Sign signs the payload with the named provider-held key.
func (r *RemoteKeySigner) Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	return r.Wallet.Sign(ctx, r.Pin, keyID, payload)
}
