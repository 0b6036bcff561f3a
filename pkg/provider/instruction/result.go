/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package instruction

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"

	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
)

// Token type headers for the JWTs the provider issues.
const (
	TypeInstructionResult = "instruction_result+jwt"
	TypeWalletCertificate = "wallet_certificate+jwt"
	TypeWTE               = "wte+jwt"

	issuerName = "wallet-provider"
)

// ResultClaims is the payload of a signed instruction result. The sequence
// number ties the result to the instruction it answers, letting the wallet
// verify the response came from the genuine provider and matches its
// request.
type ResultClaims struct {
	Sequence uint64          `json:"seq"`
	Result   json.RawMessage `json:"result"`
}

// CertificateClaims is the payload of a wallet certificate, issued once at
// registration. The key hashes pin the certificate to the registered keys.
type CertificateClaims struct {
	HWPublicKeyHash  []byte `json:"hwPublicKeyHash"`
	PinPublicKeyHash []byte `json:"pinPublicKeyHash"`
}

// WTEClaims is the payload of wallet trust evidence, a short-lived token an
// issuer consumes as proof of wallet integrity.
type WTEClaims struct {
	AttestationFormat string `json:"attestationFormat"`
}

func (s *Service) signResult(walletID string, sequenceNumber uint64, result interface{}) (string, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal instruction result: %w", err)
	}

	return signToken(s.cfg.ResultKey, TypeInstructionResult,
		jwt.Claims{
			Issuer:   issuerName,
			Subject:  walletID,
			IssuedAt: jwt.NewNumericDate(s.cfg.Clock()),
		},
		&ResultClaims{Sequence: sequenceNumber, Result: payload})
}

func (s *Service) signCertificate(acct *account.Account) (string, error) {
	hwHash := sha256.Sum256(acct.HWPublicKey)
	pinHash := sha256.Sum256(acct.PinPublicKey)

	return signToken(s.cfg.CertificateKey, TypeWalletCertificate,
		jwt.Claims{
			Issuer:   issuerName,
			Subject:  acct.ID,
			IssuedAt: jwt.NewNumericDate(s.cfg.Clock()),
		},
		&CertificateClaims{HWPublicKeyHash: hwHash[:], PinPublicKeyHash: pinHash[:]})
}

func (s *Service) signWTE(acct *account.Account) (string, error) {
	now := s.cfg.Clock()

	return signToken(s.cfg.WTEKey, TypeWTE,
		jwt.Claims{
			Issuer:   issuerName,
			Subject:  acct.ID,
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.cfg.WTETTL)),
		},
		&WTEClaims{AttestationFormat: string(acct.AttestationFormat)})
}

func signToken(key *ecdsa.PrivateKey, typ string, claims jwt.Claims, custom interface{}) (string, error) {
	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("create %s signer: %w", typ, err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Claims(custom).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", typ, err)
	}

	return token, nil
}

// VerifyResult checks an instruction result token against the provider's
// result public key and the sequence number of the submitted instruction,
// returning the embedded result payload.
func VerifyResult(token string, pub *ecdsa.PublicKey, expectedSequenceNumber uint64) (json.RawMessage, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("parse instruction result: %w", err)
	}

	var (
		std    jwt.Claims
		result ResultClaims
	)

	if err := parsed.Claims(pub, &std, &result); err != nil {
		return nil, fmt.Errorf("verify instruction result: %w", err)
	}

	if result.Sequence != expectedSequenceNumber {
		return nil, fmt.Errorf("instruction result answers sequence number %d, expected %d",
			result.Sequence, expectedSequenceNumber)
	}

	return result.Result, nil
}

// VerifyWTE checks wallet trust evidence against the provider's WTE public
// key, enforcing the expiry window.
func VerifyWTE(token string, pub *ecdsa.PublicKey, now time.Time) (*WTEClaims, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("parse WTE: %w", err)
	}

	var (
		std jwt.Claims
		wte WTEClaims
	)

	if err := parsed.Claims(pub, &std, &wte); err != nil {
		return nil, fmt.Errorf("verify WTE: %w", err)
	}

	if std.Expiry == nil || std.Expiry.Time().Before(now) {
		return nil, errors.New("WTE expired")
	}

	return &wte, nil
}
