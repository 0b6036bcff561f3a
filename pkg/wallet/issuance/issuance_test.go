/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuance

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/stretchr/testify/require"

	"github.com/IAmCoder/nl-wallet/pkg/doc/mdoc"
	"github.com/IAmCoder/nl-wallet/pkg/doc/sdjwtvc"
	"github.com/IAmCoder/nl-wallet/pkg/keys/softkey"
	"github.com/IAmCoder/nl-wallet/pkg/wallet/credential"
)

const (
	pidDocType   = "com.example.pid"
	pidNameSpace = "com.example.pid.personal"
	addressVCT   = "com.example.address"
)

// testIssuer issues real credentials bound to the requested device key.
type testIssuer struct {
	mdocSigner  *mdoc.Signer
	sdjwtIssuer *sdjwtvc.Issuer
	// overrideKey, when set, binds credentials to this key instead of the
	// requested one.
	overrideKey []byte
}

func (ti *testIssuer) Issue(_ context.Context, offer *CredentialOffer, deviceKey []byte) ([]byte, error) {
	if ti.overrideKey != nil {
		deviceKey = ti.overrideKey
	}

	switch offer.Format {
	case credential.FormatMdoc:
		attributes := make(map[mdoc.NameSpace]map[string]interface{}, len(offer.Attributes))
		for nameSpace, values := range offer.Attributes {
			attributes[mdoc.NameSpace(nameSpace)] = values
		}

		signed, err := ti.mdocSigner.Sign(&mdoc.UnsignedDocument{
			DocType:    mdoc.DocType(offer.DocType),
			Attributes: attributes,
			ValidFrom:  time.Now().Add(-time.Hour),
			ValidUntil: time.Now().Add(24 * time.Hour),
			DeviceKey:  deviceKey,
		})
		if err != nil {
			return nil, err
		}

		return signed.Marshal()

	case credential.FormatSDJWT:
		holderKey, err := parsePublicKey(deviceKey)
		if err != nil {
			return nil, err
		}

		serialized, err := ti.sdjwtIssuer.Issue(&sdjwtvc.UnsignedCredential{
			Issuer:     "https://issuer.example.com",
			VCT:        offer.DocType,
			Claims:     offer.Attributes[""],
			ValidFrom:  time.Now().Add(-time.Hour),
			ValidUntil: time.Now().Add(24 * time.Hour),
			HolderKey:  holderKey,
		})
		if err != nil {
			return nil, err
		}

		return []byte(serialized), nil
	}

	return nil, nil
}

type testEnv struct {
	store   *credential.Store
	manager *Manager
	issuer  *testIssuer
	keys    *LocalKeySource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mdocSigner, mdocAnchor, err := mdoc.SelfSignedIssuer("Mdoc Issuer")
	require.NoError(t, err)

	sdjwtIssuer, sdjwtAnchor, err := sdjwtvc.SelfSignedIssuer("SDJWT Issuer")
	require.NoError(t, err)

	store, err := credential.NewStore(mem.NewProvider())
	require.NoError(t, err)

	manager, err := NewManager(Config{
		Store:   store,
		Anchors: []*x509.Certificate{mdocAnchor, sdjwtAnchor},
	})
	require.NoError(t, err)

	return &testEnv{
		store:   store,
		manager: manager,
		issuer:  &testIssuer{mdocSigner: mdocSigner, sdjwtIssuer: sdjwtIssuer},
		keys:    &LocalKeySource{Manager: softkey.New()},
	}
}

func testOffer() *Offer {
	return &Offer{
		Issuer: "PID Issuer",
		Credentials: []*CredentialOffer{
			{
				Format:  credential.FormatMdoc,
				DocType: pidDocType,
				Attributes: map[string]map[string]interface{}{
					pidNameSpace: {"given_name": "Willeke", "family_name": "De Bruijn"},
				},
			},
			{
				Format:  credential.FormatSDJWT,
				DocType: addressVCT,
				Attributes: map[string]map[string]interface{}{
					"": {"resident_city": "Amsterdam"},
				},
			},
		},
	}
}

func (env *testEnv) startConsented(t *testing.T) *Session {
	t.Helper()

	session, err := env.manager.Start(testOffer())
	require.NoError(t, err)
	require.Equal(t, StateAwaitingProofing, session.State())

	require.NoError(t, env.manager.CompleteProofing(session.ID()))
	require.Equal(t, StateAwaitingConsent, session.State())

	require.NoError(t, env.manager.Approve(session.ID()))
	require.Equal(t, StateAwaitingPin, session.State())

	return session
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	session := env.startConsented(t)

	issued, err := env.manager.Accept(context.Background(), session.ID(), env.issuer, env.keys)
	require.NoError(t, err)
	require.Len(t, issued, 2)
	require.Equal(t, StateSuccess, session.State())

	stored, err := env.store.List()
	require.NoError(t, err)
	require.Len(t, stored, 2)

	for _, cred := range issued {
		require.NotEmpty(t, cred.KeyID)
		require.False(t, cred.ValidFrom.IsZero())
		require.False(t, cred.ValidUntil.IsZero())

		attrs, err := cred.Attributes()
		require.NoError(t, err)
		require.NotEmpty(t, attrs)
	}
}

func TestAcceptRequiresConsent(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.manager.Start(testOffer())
	require.NoError(t, err)

	_, err = env.manager.Accept(context.Background(), session.ID(), env.issuer, env.keys)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, env.manager.CompleteProofing(session.ID()))

	// consent is still pending
	_, err = env.manager.Accept(context.Background(), session.ID(), env.issuer, env.keys)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDecline(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.manager.Start(testOffer())
	require.NoError(t, err)

	// cannot decline before the offer was even shown
	require.ErrorIs(t, env.manager.Decline(session.ID()), ErrInvalidTransition)

	require.NoError(t, env.manager.CompleteProofing(session.ID()))
	require.NoError(t, env.manager.Decline(session.ID()))
	require.Equal(t, StateDeclined, session.State())

	stored, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	session := env.startConsented(t)

	require.NoError(t, env.manager.Cancel(session.ID()))
	require.Equal(t, StateCancelled, session.State())

	require.ErrorIs(t, env.manager.Cancel(session.ID()), ErrInvalidTransition)
}

func TestRejectsForeignDeviceKey(t *testing.T) {
	env := newTestEnv(t)
	session := env.startConsented(t)

	foreign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	foreignDER, err := x509.MarshalPKIXPublicKey(foreign.Public())
	require.NoError(t, err)

	env.issuer.overrideKey = foreignDER

	_, err = env.manager.Accept(context.Background(), session.ID(), env.issuer, env.keys)
	require.ErrorIs(t, err, ErrDeviceKeyMismatch)
	require.Equal(t, StateError, session.State())

	stored, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestRejectsUntrustedIssuer(t *testing.T) {
	env := newTestEnv(t)
	session := env.startConsented(t)

	rogueSigner, _, err := mdoc.SelfSignedIssuer("Rogue Issuer")
	require.NoError(t, err)

	env.issuer.mdocSigner = rogueSigner

	_, err = env.manager.Accept(context.Background(), session.ID(), env.issuer, env.keys)
	require.ErrorIs(t, err, mdoc.ErrUntrustedIssuer)

	stored, err := env.store.List()
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	require.ErrorIs(t, env.manager.CompleteProofing("no-such-session"), ErrSessionNotFound)
}
