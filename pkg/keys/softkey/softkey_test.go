/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package softkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
)

func TestGenerateAndSign(t *testing.T) {
	store := New()

	require.NoError(t, store.Generate("key-1"))

	payload := []byte("payload to sign")

	signature, err := store.Sign(context.Background(), "key-1", payload)
	require.NoError(t, err)

	pub, err := store.PublicKey("key-1")
	require.NoError(t, err)

	digest := sha256.Sum256(payload)
	require.True(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], signature))
}

func TestDuplicateKeyID(t *testing.T) {
	store := New()

	require.NoError(t, store.Generate("key-1"))
	require.ErrorIs(t, store.Generate("key-1"), keys.ErrKeyAlreadyExists)

	_, err := store.Attest(context.Background(), "key-1", []byte("challenge"))
	require.ErrorIs(t, err, keys.ErrKeyAlreadyExists)
}

func TestMissingKey(t *testing.T) {
	store := New()

	_, err := store.Sign(context.Background(), "nope", []byte("payload"))
	require.ErrorIs(t, err, keys.ErrKeyNotFound)

	_, err = store.PublicKey("nope")
	require.ErrorIs(t, err, keys.ErrKeyNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := New()

	require.NoError(t, store.Generate("key-1"))
	require.NoError(t, store.Delete("key-1"))
	require.NoError(t, store.Delete("key-1"))

	_, err := store.PublicKey("key-1")
	require.ErrorIs(t, err, keys.ErrKeyNotFound)
}

func TestAttestEmbedsChallenge(t *testing.T) {
	store := New()

	challenge := []byte("attestation challenge")

	statement, err := store.Attest(context.Background(), "key-1", challenge)
	require.NoError(t, err)
	require.Equal(t, keys.FormatSoftware, statement.Format)
	require.Len(t, statement.CertChain, 1)

	cert, err := x509.ParseCertificate(statement.CertChain[0])
	require.NoError(t, err)

	var found bool

	for _, ext := range cert.Extensions {
		if ext.Id.Equal(ChallengeExtensionOID) {
			require.Equal(t, challenge, ext.Value)

			found = true
		}
	}

	require.True(t, found, "attestation certificate should embed the challenge")

	pub, err := store.PublicKey("key-1")
	require.NoError(t, err)
	require.Equal(t, pub, cert.PublicKey)
}

func TestConcurrentSigning(t *testing.T) {
	store := New()

	require.NoError(t, store.Generate("key-1"))

	pub, err := store.PublicKey("key-1")
	require.NoError(t, err)

	const workers = 16

	var wg sync.WaitGroup

	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			payload := []byte("concurrent payload")

			signature, signErr := store.Sign(context.Background(), "key-1", payload)
			if signErr != nil {
				errs <- signErr

				return
			}

			digest := sha256.Sum256(payload)
			if !ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], signature) {
				errs <- errors.New("signature did not verify")
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}
