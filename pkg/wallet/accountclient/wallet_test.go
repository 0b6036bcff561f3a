/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package accountclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/stretchr/testify/require"

	"github.com/IAmCoder/nl-wallet/pkg/keys/softkey"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
	"github.com/IAmCoder/nl-wallet/pkg/provider/instruction"
	"github.com/IAmCoder/nl-wallet/pkg/provider/rest"
)

const (
	testPin   = "112233"
	wrongPin  = "999999"
	hwKeyName = "hw"
)

type testServer struct {
	server    *httptest.Server
	resultKey *ecdsa.PublicKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo, err := account.NewRepository(mem.NewProvider())
	require.NoError(t, err)

	resultKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	certificateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	wteKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	service, err := instruction.NewService(instruction.Config{
		Repo:                     repo,
		HSM:                      softkey.New(),
		Policy:                   pinpolicy.DefaultPolicy(),
		ResultKey:                resultKey,
		CertificateKey:           certificateKey,
		WTEKey:                   wteKey,
		AllowSoftwareAttestation: true,
	})
	require.NoError(t, err)

	server := httptest.NewServer(rest.New(service).Router())
	t.Cleanup(server.Close)

	return &testServer{server: server, resultKey: &resultKey.PublicKey}
}

func newRegisteredWallet(t *testing.T, ts *testServer) *Wallet {
	t.Helper()

	wallet := NewWallet(NewClient(ts.server.URL, nil), softkey.New(), hwKeyName, ts.resultKey)

	require.NoError(t, wallet.Register(context.Background(), testPin))
	require.True(t, wallet.Registered())
	require.NotEmpty(t, wallet.WalletID())
	require.NotEmpty(t, wallet.Certificate())

	return wallet
}

func TestRegisterAndCheckPin(t *testing.T) {
	ts := newTestServer(t)
	wallet := newRegisteredWallet(t, ts)

	require.NoError(t, wallet.CheckPin(context.Background(), testPin))
}

func TestRegisterTwice(t *testing.T) {
	ts := newTestServer(t)
	wallet := newRegisteredWallet(t, ts)

	require.Error(t, wallet.Register(context.Background(), testPin))
}

func TestInstructionBeforeRegistration(t *testing.T) {
	ts := newTestServer(t)

	wallet := NewWallet(NewClient(ts.server.URL, nil), softkey.New(), hwKeyName, ts.resultKey)

	err := wallet.CheckPin(context.Background(), testPin)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestIncorrectPin(t *testing.T) {
	ts := newTestServer(t)
	wallet := newRegisteredWallet(t, ts)

	err := wallet.CheckPin(context.Background(), wrongPin)

	var pinErr *instruction.IncorrectPinError

	require.ErrorAs(t, err, &pinErr)
	require.Equal(t, 3, pinErr.AttemptsLeftInRound)
	require.False(t, pinErr.IsFinalRound)

	// the correct PIN still works afterwards
	require.NoError(t, wallet.CheckPin(context.Background(), testPin))
}

func TestChangePin(t *testing.T) {
	ts := newTestServer(t)
	wallet := newRegisteredWallet(t, ts)

	const newPin = "445566"

	require.NoError(t, wallet.ChangePin(context.Background(), testPin, newPin))

	err := wallet.CheckPin(context.Background(), testPin)

	var pinErr *instruction.IncorrectPinError

	require.ErrorAs(t, err, &pinErr)

	require.NoError(t, wallet.CheckPin(context.Background(), newPin))
}

func TestGenerateKeyAndRemoteSign(t *testing.T) {
	ts := newTestServer(t)
	wallet := newRegisteredWallet(t, ts)

	pub, err := wallet.GenerateKey(context.Background(), testPin, "credential-key-1")
	require.NoError(t, err)

	signer := &RemoteKeySigner{Wallet: wallet, Pin: testPin}

	payload := []byte("session transcript")

	signature, err := signer.Sign(context.Background(), "credential-key-1", payload)
	require.NoError(t, err)

	digest := sha256.Sum256(payload)
	require.True(t, ecdsa.VerifyASN1(pub, digest[:], signature))
}

func TestSignUnknownKey(t *testing.T) {
	ts := newTestServer(t)
	wallet := newRegisteredWallet(t, ts)

	_, err := wallet.Sign(context.Background(), testPin, "no-such-key", []byte("data"))
	require.Error(t, err)
}

func TestIssueWTE(t *testing.T) {
	ts := newTestServer(t)
	wallet := newRegisteredWallet(t, ts)

	wte, err := wallet.IssueWTE(context.Background(), testPin)
	require.NoError(t, err)
	require.NotEmpty(t, wte)
}

func TestRetriesTransientServerFailure(t *testing.T) {
	ts := newTestServer(t)

	// fail the first request to each path, succeed afterwards
	var failures int32

	flaky := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&failures, 1) == 1 {
			rw.WriteHeader(http.StatusBadGateway)

			return
		}

		resp, err := http.Post(ts.server.URL+req.URL.Path, "application/json", req.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadGateway)

			return
		}

		defer resp.Body.Close() // nolint:errcheck

		rw.WriteHeader(resp.StatusCode)

		buf := make([]byte, 32*1024)

		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, err := rw.Write(buf[:n]); err != nil {
					return
				}
			}

			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(flaky.Close)

	wallet := NewWallet(NewClient(flaky.URL, nil), softkey.New(), hwKeyName, ts.resultKey)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, wallet.Register(ctx, testPin))
}

func TestDerivePinKeyDeterministic(t *testing.T) {
	salt, err := NewPinSalt()
	require.NoError(t, err)

	first := DerivePinKey(testPin, salt)
	second := DerivePinKey(testPin, salt)

	require.Equal(t, first.D, second.D)
	require.True(t, first.PublicKey.Equal(&second.PublicKey))

	otherPin := DerivePinKey(wrongPin, salt)
	require.False(t, first.PublicKey.Equal(&otherPin.PublicKey))

	otherSalt, err := NewPinSalt()
	require.NoError(t, err)

	rederived := DerivePinKey(testPin, otherSalt)
	require.False(t, first.PublicKey.Equal(&rederived.PublicKey))
}
