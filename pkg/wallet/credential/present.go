/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/IAmCoder/nl-wallet/pkg/doc/mdoc"
	"github.com/IAmCoder/nl-wallet/pkg/doc/sdjwtvc"
)

// KeySigner signs a payload with a named device key. The payload is the
// raw bytes to sign; the signer hashes with SHA-256 and returns an ASN.1
// DER ECDSA signature. Both the local key store and the remote instruction
// client satisfy this.
type KeySigner interface {
	Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error)
}

// Presentation is a built disclosure for one card, ready to hand to the
// verifier.
type Presentation struct {
	Format  Format `json:"format"`
	DocType string `json:"doc_type"`
	// DocumentBytes is the disclosed mdoc issuer-signed structure.
	DocumentBytes []byte `json:"document_bytes,omitempty"`
	// DeviceSignature proves possession of the mdoc device key.
	DeviceSignature []byte `json:"device_signature,omitempty"`
	// SDJWT is the combined format for presentation, key binding included.
	SDJWT string `json:"sd_jwt,omitempty"`
}

// BuildPresentation produces the presentation for a consented card,
// signing with the credential's device key.
func BuildPresentation(ctx context.Context, card *DisclosureCard,
	request *DisclosureRequest, signer KeySigner) (*Presentation, error) {
	switch card.Credential.Format {
	case FormatMdoc:
		return buildMdocPresentation(ctx, card, request, signer)
	case FormatSDJWT:
		return buildSDJWTPresentation(ctx, card, request, signer)
	default:
		return nil, fmt.Errorf("unknown credential format %q", card.Credential.Format)
	}
}

func buildMdocPresentation(ctx context.Context, card *DisclosureCard,
	request *DisclosureRequest, signer KeySigner) (*Presentation, error) {
	doc, err := card.Credential.Mdoc()
	if err != nil {
		return nil, err
	}

	requested := make(map[mdoc.NameSpace][]string, len(card.Attributes))
	for nameSpace, names := range card.Attributes {
		requested[mdoc.NameSpace(nameSpace)] = names
	}

	disclosed, err := doc.Disclose(requested)
	if err != nil {
		return nil, err
	}

	data, err := disclosed.Marshal()
	if err != nil {
		return nil, err
	}

	transcript, err := mdoc.SessionTranscript(mdoc.DocType(card.Credential.DocType), request.Verifier, request.Nonce)
	if err != nil {
		return nil, err
	}

	signature, err := signer.Sign(ctx, card.Credential.KeyID, transcript)
	if err != nil {
		return nil, fmt.Errorf("sign session transcript: %w", err)
	}

	return &Presentation{
		Format:          FormatMdoc,
		DocType:         card.Credential.DocType,
		DocumentBytes:   data,
		DeviceSignature: signature,
	}, nil
}

func buildSDJWTPresentation(ctx context.Context, card *DisclosureCard,
	request *DisclosureRequest, signer KeySigner) (*Presentation, error) {
	doc, err := card.Credential.SDJWT()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, nsNames := range card.Attributes {
		names = append(names, nsNames...)
	}

	sort.Strings(names)

	presentation, err := doc.Present(names, &sdjwtvc.KeyBindingInput{
		Nonce:    base64.RawURLEncoding.EncodeToString(request.Nonce),
		Audience: request.Verifier,
	}, &keyBindingSigner{ctx: ctx, signer: signer, keyID: card.Credential.KeyID})
	if err != nil {
		return nil, err
	}

	return &Presentation{
		Format:  FormatSDJWT,
		DocType: card.Credential.DocType,
		SDJWT:   presentation,
	}, nil
}

// keyBindingSigner adapts a KeySigner to the JWS signer the key binding
// JWT needs.
type keyBindingSigner struct {
	ctx    context.Context
	signer KeySigner
	keyID  string
}

func (s *keyBindingSigner) Sign(data []byte) ([]byte, error) {
	der, err := s.signer.Sign(s.ctx, s.keyID, data)
	if err != nil {
		return nil, err
	}

	return sdjwtvc.SignatureDERToJOSE(der)
}

func (s *keyBindingSigner) Algorithm() string {
	return "ES256"
}
