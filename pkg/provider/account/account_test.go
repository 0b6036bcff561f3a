/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package account

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/stretchr/testify/require"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
)

func TestSaveAndLoad(t *testing.T) {
	repo, err := NewRepository(mem.NewProvider())
	require.NoError(t, err)

	hwKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	hwDER, err := x509.MarshalPKIXPublicKey(hwKey.Public())
	require.NoError(t, err)

	acct := &Account{
		ID:                "wallet-1",
		AttestationFormat: keys.FormatSoftware,
		HWPublicKey:       hwDER,
		PinSalt:           []byte("salt"),
		SequenceNumber:    7,
		PinState:          pinpolicy.State{Round: 1, AttemptsInRound: 2},
		Challenge: &Challenge{
			Nonce:       []byte("nonce"),
			Instruction: "check_pin",
			ExpiresAt:   time.Now().Add(time.Minute).UTC(),
		},
	}

	require.NoError(t, repo.Save(acct))

	loaded, err := repo.Load("wallet-1")
	require.NoError(t, err)
	require.Equal(t, acct.SequenceNumber, loaded.SequenceNumber)
	require.Equal(t, acct.PinState, loaded.PinState)
	require.Equal(t, acct.Challenge.Instruction, loaded.Challenge.Instruction)

	parsed, err := loaded.HardwareKey()
	require.NoError(t, err)
	require.True(t, hwKey.PublicKey.Equal(parsed))
}

func TestLoadUnknownAccount(t *testing.T) {
	repo, err := NewRepository(mem.NewProvider())
	require.NoError(t, err)

	_, err = repo.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseKeyErrors(t *testing.T) {
	acct := &Account{HWPublicKey: []byte("not der")}

	_, err := acct.HardwareKey()
	require.Error(t, err)

	_, err = acct.PinKey()
	require.Error(t, err)
}

func TestChallengeExpired(t *testing.T) {
	challenge := &Challenge{ExpiresAt: time.Now()}

	require.False(t, challenge.Expired(challenge.ExpiresAt.Add(-time.Second)))
	require.True(t, challenge.Expired(challenge.ExpiresAt.Add(time.Second)))
}
