/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package accountclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pinKeyIterations = 100_000
	pinSaltSize      = 32
)

// NewPinSalt generates a fresh salt for PIN key derivation.
func NewPinSalt() ([]byte, error) {
	salt := make([]byte, pinSaltSize)

	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate pin salt: %w", err)
	}

	return salt, nil
}

// DerivePinKey deterministically derives the P-256 PIN key from the PIN and
// salt. The wallet stores only the salt; the private key exists just long
// enough to sign and is re-derived on every PIN entry.
func DerivePinKey(pin string, salt []byte) *ecdsa.PrivateKey {
	curve := elliptic.P256()

	seed := pbkdf2.Key([]byte(pin), salt, pinKeyIterations, 32, sha256.New)

	// map the seed into [1, N-1]
	d := new(big.Int).SetBytes(seed)
	d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	key := &ecdsa.PrivateKey{D: d}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(d.Bytes())

	return key
}
