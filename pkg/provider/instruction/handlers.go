/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package instruction

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
)

// ChangePinPayload rotates the PIN key material.
type ChangePinPayload struct {
	NewPinPublicKey []byte `json:"newPinPublicKey"` // DER, SubjectPublicKeyInfo
	NewPinSalt      []byte `json:"newPinSalt"`
}

// GenerateKeyPayload creates a named key in the provider's HSM on behalf of
// the wallet. Credential device keys live here so that disclosures can be
// signed remotely.
type GenerateKeyPayload struct {
	KeyID string `json:"keyId"`
}

// GenerateKeyResult returns the new key's public half.
type GenerateKeyResult struct {
	PublicKey []byte `json:"publicKey"` // DER, SubjectPublicKeyInfo
}

// SignPayload signs arbitrary data with a previously generated wallet key.
type SignPayload struct {
	KeyID string `json:"keyId"`
	Data  []byte `json:"data"`
}

// SignResult carries the produced signature.
type SignResult struct {
	Signature []byte `json:"signature"`
}

// IssueWTEResult carries freshly issued wallet trust evidence.
type IssueWTEResult struct {
	WTE string `json:"wte"`
}

// handleCheckPin has no effect beyond the PIN verification the service
// already performed; it exists so the app can validate a PIN entry.
func (s *Service) handleCheckPin(context.Context, *account.Account, []byte) (interface{}, error) {
	return struct{}{}, nil
}

func (s *Service) handleChangePin(_ context.Context, acct *account.Account, payload []byte) (interface{}, error) {
	var change ChangePinPayload

	if err := json.Unmarshal(payload, &change); err != nil {
		return nil, fmt.Errorf("unmarshal change_pin payload: %w", err)
	}

	if _, err := x509.ParsePKIXPublicKey(change.NewPinPublicKey); err != nil {
		return nil, fmt.Errorf("new pin public key: %w", err)
	}

	if len(change.NewPinSalt) == 0 {
		return nil, errors.New("new pin salt must not be empty")
	}

	acct.PinPublicKey = change.NewPinPublicKey
	acct.PinSalt = change.NewPinSalt

	return struct{}{}, nil
}

func (s *Service) handleGenerateKey(ctx context.Context, acct *account.Account, payload []byte) (interface{}, error) {
	var generate GenerateKeyPayload

	if err := json.Unmarshal(payload, &generate); err != nil {
		return nil, fmt.Errorf("unmarshal generate_key payload: %w", err)
	}

	if generate.KeyID == "" {
		return nil, errors.New("key id must not be empty")
	}

	keyID := walletKeyID(acct.ID, generate.KeyID)

	if err := s.cfg.HSM.Generate(keyID); err != nil {
		return nil, err
	}

	pub, err := s.cfg.HSM.PublicKey(keyID)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal generated public key: %w", err)
	}

	return &GenerateKeyResult{PublicKey: der}, nil
}

func (s *Service) handleSign(ctx context.Context, acct *account.Account, payload []byte) (interface{}, error) {
	var sign SignPayload

	if err := json.Unmarshal(payload, &sign); err != nil {
		return nil, fmt.Errorf("unmarshal sign payload: %w", err)
	}

	signature, err := s.cfg.HSM.Sign(ctx, walletKeyID(acct.ID, sign.KeyID), sign.Data)
	if err != nil {
		return nil, err
	}

	return &SignResult{Signature: signature}, nil
}

func (s *Service) handleIssueWTE(_ context.Context, acct *account.Account, _ []byte) (interface{}, error) {
	wte, err := s.signWTE(acct)
	if err != nil {
		return nil, err
	}

	return &IssueWTEResult{WTE: wte}, nil
}

// walletKeyID namespaces HSM keys per wallet so wallets cannot reference
// each other's keys.
func walletKeyID(walletID, keyID string) string {
	return walletID + "/" + keyID
}
