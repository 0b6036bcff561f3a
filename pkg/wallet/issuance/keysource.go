/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuance

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/google/uuid"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
)

// LocalKeySource generates device keys in the device key store.
type LocalKeySource struct {
	Manager keys.Manager
}

// Generate creates a key under a fresh id and returns its public half in
// DER SubjectPublicKeyInfo form.
func (l *LocalKeySource) Generate(_ context.Context) (string, []byte, error) {
	keyID := uuid.NewString()

	if err := l.Manager.Generate(keyID); err != nil {
		return "", nil, err
	}

	pub, err := l.Manager.PublicKey(keyID)
	if err != nil {
		return "", nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", nil, fmt.Errorf("marshal device public key: %w", err)
	}

	return keyID, der, nil
}

func parsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse device public key: %w", err)
	}

	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("device key is %T, not ECDSA", pub)
	}

	return ecKey, nil
}
