/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sdjwtvc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const saltSize = 128 / 8

// UnsignedCredential is the issuer-side input: the claims to make
// selectively disclosable, the credential type, the validity window and the
// holder key the credential is bound to.
type UnsignedCredential struct {
	Issuer     string
	VCT        string
	Claims     map[string]interface{}
	ValidFrom  time.Time
	ValidUntil time.Time
	HolderKey  *ecdsa.PublicKey
}

// Issuer signs SD-JWT credentials with an issuer key and certificate chain.
// The chain travels in the x5c header, leaf first.
type Issuer struct {
	signer Signer
	chain  [][]byte
}

// NewIssuer creates an SD-JWT credential issuer.
func NewIssuer(signer Signer, chain [][]byte) *Issuer {
	return &Issuer{signer: signer, chain: chain}
}

// Issue salts and hashes every claim into a disclosure, signs the digest
// payload and returns the combined format for issuance.
func (i *Issuer) Issue(credential *UnsignedCredential) (string, error) {
	disclosures := make([]string, 0, len(credential.Claims))
	digests := make([]string, 0, len(credential.Claims))

	for name, value := range credential.Claims {
		disclosure, err := createDisclosure(name, value)
		if err != nil {
			return "", err
		}

		disclosures = append(disclosures, disclosure)
		digests = append(digests, DisclosureDigest(disclosure))
	}

	// digest order must not leak claim order
	mathrand.Shuffle(len(digests), func(a, b int) {
		digests[a], digests[b] = digests[b], digests[a]
	})

	holderJWK := jose.JSONWebKey{Key: credential.HolderKey}

	payload := map[string]interface{}{
		"iss":          credential.Issuer,
		VCTKey:         credential.VCT,
		"nbf":          credential.ValidFrom.Unix(),
		"exp":          credential.ValidUntil.Unix(),
		"iat":          time.Now().Unix(),
		"cnf":          map[string]interface{}{"jwk": holderJWK},
		SDKey:          digests,
		SDAlgorithmKey: sdAlgSHA256,
	}

	sdJWT, err := signJWT(i.signer, TypeSDJWT, i.chain, payload)
	if err != nil {
		return "", err
	}

	cf := CombinedFormatForIssuance{SDJWT: sdJWT, Disclosures: disclosures}

	return cf.Serialize(), nil
}

// SelfSignedIssuer generates an issuer key with a self-signed certificate,
// for tests and development issuers. The certificate doubles as the trust
// anchor.
func SelfSignedIssuer(commonName string) (*Issuer, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	return NewIssuer(&ECDSASigner{Key: key}, [][]byte{der}), cert, nil
}

func createDisclosure(name string, value interface{}) (string, error) {
	salt := make([]byte, saltSize)

	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate disclosure salt: %w", err)
	}

	disclosure, err := json.Marshal([]interface{}{
		base64.RawURLEncoding.EncodeToString(salt), name, value,
	})
	if err != nil {
		return "", fmt.Errorf("marshal disclosure: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(disclosure), nil
}
