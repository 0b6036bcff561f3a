/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package credential manages the wallet's stored credentials and resolves
// disclosure requests against them: which credential can answer which
// requested attributes, disclosing no more than was asked.
package credential

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/IAmCoder/nl-wallet/pkg/doc/mdoc"
	"github.com/IAmCoder/nl-wallet/pkg/doc/sdjwtvc"
)

// Format identifies the credential encoding.
type Format string

const (
	// FormatMdoc is the ISO 18013-5 mobile document format.
	FormatMdoc Format = "mso_mdoc"
	// FormatSDJWT is the SD-JWT verifiable credential format.
	FormatSDJWT Format = "vc+sd-jwt"
)

// ErrNotFound is returned when no credential exists under the given id.
var ErrNotFound = errors.New("credential not found")

// Credential is a stored credential: the raw issued bytes plus the metadata
// the wallet needs to resolve disclosure requests without re-parsing.
type Credential struct {
	ID string `json:"id"`
	// Format determines how Raw is parsed.
	Format Format `json:"format"`
	// DocType is the mdoc document type, or the SD-JWT vct.
	DocType string `json:"doc_type"`
	// KeyID names the device key the credential is bound to.
	KeyID string `json:"key_id"`
	// Raw is the credential as received at issuance.
	Raw        []byte    `json:"raw"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

// Mdoc parses the raw bytes as an mdoc issuer-signed structure.
func (c *Credential) Mdoc() (*mdoc.IssuerSigned, error) {
	if c.Format != FormatMdoc {
		return nil, fmt.Errorf("credential %s has format %s, not %s", c.ID, c.Format, FormatMdoc)
	}

	return mdoc.Unmarshal(c.Raw)
}

// SDJWT parses the raw bytes as an SD-JWT credential.
func (c *Credential) SDJWT() (*sdjwtvc.Credential, error) {
	if c.Format != FormatSDJWT {
		return nil, fmt.Errorf("credential %s has format %s, not %s", c.ID, c.Format, FormatSDJWT)
	}

	return sdjwtvc.Parse(string(c.Raw))
}

// Attributes returns the disclosable attributes keyed by namespace. SD-JWT
// claims are flat; they appear under the empty namespace.
func (c *Credential) Attributes() (map[string]map[string]interface{}, error) {
	switch c.Format {
	case FormatMdoc:
		doc, err := c.Mdoc()
		if err != nil {
			return nil, err
		}

		attrs, err := doc.Attributes()
		if err != nil {
			return nil, err
		}

		out := make(map[string]map[string]interface{}, len(attrs))
		for nameSpace, values := range attrs {
			out[string(nameSpace)] = values
		}

		return out, nil
	case FormatSDJWT:
		doc, err := c.SDJWT()
		if err != nil {
			return nil, err
		}

		return map[string]map[string]interface{}{"": doc.Claims()}, nil
	default:
		return nil, fmt.Errorf("unknown credential format %q", c.Format)
	}
}

// ValidAt reports whether the credential's validity window contains the
// given time. Credentials outside their window never contribute to a
// disclosure.
func (c *Credential) ValidAt(now time.Time) bool {
	return !now.Before(c.ValidFrom) && !now.After(c.ValidUntil)
}

// Verify re-verifies the stored credential against the trust anchors: the
// issuer chain, the signature, the digests and the validity window. The
// wallet runs this right before a credential is disclosed, so a credential
// that expired or was tampered with after issuance is caught here.
func (c *Credential) Verify(anchors []*x509.Certificate, now time.Time) error {
	switch c.Format {
	case FormatMdoc:
		doc, err := c.Mdoc()
		if err != nil {
			return err
		}

		if _, err := doc.Verify(anchors, now); err != nil {
			return fmt.Errorf("verify credential %s: %w", c.ID, err)
		}

		return nil
	case FormatSDJWT:
		if _, err := sdjwtvc.VerifyCredential(string(c.Raw), anchors, now); err != nil {
			return fmt.Errorf("verify credential %s: %w", c.ID, err)
		}

		return nil
	default:
		return fmt.Errorf("unknown credential format %q", c.Format)
	}
}

// holds reports whether the credential can disclose the attribute.
func (c *Credential) holds(nameSpace, name string) bool {
	switch c.Format {
	case FormatMdoc:
		doc, err := c.Mdoc()
		if err != nil {
			return false
		}

		return doc.Holds(mdoc.NameSpace(nameSpace), name)
	case FormatSDJWT:
		doc, err := c.SDJWT()
		if err != nil {
			return false
		}

		return doc.Holds(name)
	default:
		return false
	}
}
