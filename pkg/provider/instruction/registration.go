/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package instruction

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
	"github.com/IAmCoder/nl-wallet/pkg/keys/appleattest"
	"github.com/IAmCoder/nl-wallet/pkg/keys/googleattest"
	"github.com/IAmCoder/nl-wallet/pkg/keys/softkey"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
)

const subjectRegistration = "registration"

const registrationChallengeCacheSize = 4096

// RegistrationMessage registers a new wallet. The hardware key is proven by
// platform attestation, the PIN key by a possession signature; both
// signatures cover the same registration input.
type RegistrationMessage struct {
	Challenge         []byte                 `json:"challenge"`
	AttestationFormat keys.AttestationFormat `json:"attestationFormat"`
	// CertChain is the attestation certificate chain for the Google and
	// software formats.
	CertChain [][]byte `json:"certChain,omitempty"`
	// AttestationObject is the App Attest object for the Apple format.
	AttestationObject []byte `json:"attestationObject,omitempty"`
	PinPublicKey      []byte `json:"pinPublicKey"` // DER, SubjectPublicKeyInfo
	PinSalt           []byte `json:"pinSalt"`
	PinSignature      []byte `json:"pinSignature"`
	KeySignature      []byte `json:"keySignature"`
}

// RegistrationResult is returned on successful registration.
type RegistrationResult struct {
	WalletID    string `json:"walletId"`
	Certificate string `json:"certificate"`
}

// RegistrationInput is the byte string covered by both registration
// signatures.
func RegistrationInput(msg *RegistrationMessage) []byte {
	return signingInput([]byte(subjectRegistration), msg.Challenge,
		[]byte(msg.AttestationFormat), msg.PinPublicKey, msg.PinSalt)
}

// registrationChallenges tracks outstanding registration challenges. Unlike
// instruction challenges there is no account to store them on yet, so they
// live in a TTL cache keyed by nonce.
type registrationChallenges struct {
	cache gcache.Cache
	ttl   time.Duration
}

func newRegistrationChallenges(ttl time.Duration) *registrationChallenges {
	return &registrationChallenges{
		cache: gcache.New(registrationChallengeCacheSize).LRU().Build(),
		ttl:   ttl,
	}
}

func (r *registrationChallenges) issue() ([]byte, error) {
	nonce := make([]byte, 32)

	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate registration challenge: %w", err)
	}

	if err := r.cache.SetWithExpire(base64.StdEncoding.EncodeToString(nonce), struct{}{}, r.ttl); err != nil {
		return nil, fmt.Errorf("store registration challenge: %w", err)
	}

	return nonce, nil
}

// consume removes the challenge, reporting whether it was outstanding.
func (r *registrationChallenges) consume(nonce []byte) bool {
	key := base64.StdEncoding.EncodeToString(nonce)

	if _, err := r.cache.Get(key); err != nil {
		return false
	}

	r.cache.Remove(key)

	return true
}

// RegistrationChallenge issues a short-lived challenge for a registration
// attempt.
func (s *Service) RegistrationChallenge() ([]byte, error) {
	return s.regstore.issue()
}

// Register verifies a registration message and creates the wallet account,
// returning the wallet id and a provider-signed wallet certificate.
func (s *Service) Register(ctx context.Context, msg *RegistrationMessage) (*RegistrationResult, error) {
	if !s.regstore.consume(msg.Challenge) {
		return nil, fmt.Errorf("%w: unknown registration challenge", ErrChallengeInvalidOrExpired)
	}

	input := RegistrationInput(msg)

	hwPublicKey, counter, err := s.verifyRegistrationAttestation(msg, input)
	if err != nil {
		return nil, err
	}

	pinKey, err := x509.ParsePKIXPublicKey(msg.PinPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse pin public key: %w", err)
	}

	pinECKey, ok := pinKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pin public key is %T, not ECDSA", pinKey)
	}

	if !VerifyECDSA(pinECKey, input, msg.PinSignature) {
		return nil, fmt.Errorf("%w: pin possession signature", ErrInvalidSignature)
	}

	acct := &account.Account{
		ID:                    uuid.NewString(),
		AttestationFormat:     msg.AttestationFormat,
		HWPublicKey:           hwPublicKey,
		PinPublicKey:          msg.PinPublicKey,
		PinSalt:               msg.PinSalt,
		AppleAssertionCounter: counter,
		PinState:              pinpolicy.State{},
	}

	if err := s.cfg.Repo.Save(acct); err != nil {
		return nil, err
	}

	certificate, err := s.signCertificate(acct)
	if err != nil {
		return nil, err
	}

	logger.Infof("registered wallet %s with %s attestation", acct.ID, acct.AttestationFormat)

	return &RegistrationResult{WalletID: acct.ID, Certificate: certificate}, nil
}

// verifyRegistrationAttestation dispatches on the attestation format and
// returns the attested hardware public key in DER form, plus the initial
// Apple assertion counter where applicable.
func (s *Service) verifyRegistrationAttestation(msg *RegistrationMessage, input []byte) ([]byte, uint32, error) {
	switch msg.AttestationFormat {
	case keys.FormatGoogle:
		attested, err := googleattest.Verify(msg.CertChain, msg.Challenge, s.cfg.Google)
		if err != nil {
			return nil, 0, err
		}

		if !VerifyECDSA(attested, input, msg.KeySignature) {
			return nil, 0, fmt.Errorf("%w: hardware possession signature", ErrInvalidSignature)
		}

		der, err := x509.MarshalPKIXPublicKey(attested)

		return der, 0, err

	case keys.FormatApple:
		attested, counter, err := appleattest.VerifyAttestation(msg.AttestationObject, msg.Challenge, s.cfg.Apple)
		if err != nil {
			return nil, 0, err
		}

		counter, err = appleattest.VerifyAssertion(msg.KeySignature, input, attested, counter, s.cfg.Apple)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
		}

		der, err := x509.MarshalPKIXPublicKey(attested)

		return der, counter, err

	case keys.FormatSoftware:
		if !s.cfg.AllowSoftwareAttestation {
			return nil, 0, fmt.Errorf("%w: software attestation not accepted", keys.ErrAttestationFailed)
		}

		attested, err := verifySoftwareAttestation(msg.CertChain, msg.Challenge)
		if err != nil {
			return nil, 0, err
		}

		if !VerifyECDSA(attested, input, msg.KeySignature) {
			return nil, 0, fmt.Errorf("%w: hardware possession signature", ErrInvalidSignature)
		}

		der, err := x509.MarshalPKIXPublicKey(attested)

		return der, 0, err

	default:
		return nil, 0, fmt.Errorf("%w: unknown attestation format %q",
			keys.ErrAttestationFailed, msg.AttestationFormat)
	}
}

func verifySoftwareAttestation(chain [][]byte, challenge []byte) (*ecdsa.PublicKey, error) {
	if len(chain) != 1 {
		return nil, fmt.Errorf("%w: software attestation expects a single certificate", keys.ErrAttestationFailed)
	}

	cert, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse software attestation: %s", keys.ErrAttestationFailed, err)
	}

	var embedded []byte

	for _, ext := range cert.Extensions {
		if ext.Id.Equal(softkey.ChallengeExtensionOID) {
			embedded = ext.Value
		}
	}

	if !bytes.Equal(embedded, challenge) {
		return nil, fmt.Errorf("%w: software attestation challenge mismatch", keys.ErrAttestationFailed)
	}

	attested, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: attested key is %T, not ECDSA", keys.ErrAttestationFailed, cert.PublicKey)
	}

	return attested, nil
}
