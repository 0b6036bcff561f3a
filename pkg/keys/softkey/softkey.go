/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package softkey is the in-memory software implementation of keys.Manager.
// It backs tests and the wallet provider's development HSM wiring. Evidence
// produced by Attest uses the software format, which verifiers must only
// accept in test configurations.
package softkey

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
)

// ChallengeExtensionOID marks the certificate extension carrying the
// attestation challenge in software-attested certificates.
var ChallengeExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1, 1} //nolint:gochecknoglobals

type softKey struct {
	priv *ecdsa.PrivateKey
	mu   sync.Mutex // serializes signing, mirroring single-owner hardware keys
}

// Store implements keys.Manager with P-256 keys held in memory.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*softKey
}

// New returns an empty software key store.
func New() *Store {
	return &Store{keys: map[string]*softKey{}}
}

// Generate creates a new P-256 key under the given id.
func (s *Store) Generate(id string) error {
	_, err := s.create(id)

	return err
}

// Attest creates a key under the given id and wraps it in a self-signed
// certificate that embeds the challenge, standing in for a vendor-rooted
// attestation chain.
func (s *Store) Attest(_ context.Context, id string, challenge []byte) (*keys.AttestationStatement, error) {
	key, err := s.create(id)
	if err != nil {
		return nil, err
	}

	cert, err := selfSignedAttestation(key.priv, id, challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", keys.ErrAttestationFailed, err)
	}

	return &keys.AttestationStatement{
		Format:    keys.FormatSoftware,
		CertChain: [][]byte{cert},
		Evidence:  challenge,
	}, nil
}

// Sign signs a SHA-256 digest of the payload, returning an ASN.1 DER
// encoded ECDSA signature.
func (s *Store) Sign(_ context.Context, id string, payload []byte) ([]byte, error) {
	key, err := s.get(id)
	if err != nil {
		return nil, err
	}

	key.mu.Lock()
	defer key.mu.Unlock()

	digest := sha256.Sum256(payload)

	signature, err := ecdsa.SignASN1(rand.Reader, key.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign payload with key %q: %w", id, err)
	}

	return signature, nil
}

// PublicKey returns the public half of the key.
func (s *Store) PublicKey(id string) (crypto.PublicKey, error) {
	key, err := s.get(id)
	if err != nil {
		return nil, err
	}

	return key.priv.Public(), nil
}

// Delete removes the key. Deleting an absent key succeeds.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, id)

	return nil
}

func (s *Store) create(id string) (*softKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[id]; ok {
		return nil, fmt.Errorf("%w: %q", keys.ErrKeyAlreadyExists, id)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key %q: %w", id, err)
	}

	key := &softKey{priv: priv}
	s.keys[id] = key

	return key, nil
}

func (s *Store) get(id string) (*softKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", keys.ErrKeyNotFound, id)
	}

	return key, nil
}

func selfSignedAttestation(priv *ecdsa.PrivateKey, id string, challenge []byte) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{{
			Id:    ChallengeExtensionOID,
			Value: challenge,
		}},
	}

	return x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
}
