/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package account holds the wallet provider's view of a registered wallet:
// its registered public keys, PIN failure state, instruction sequence number
// and any outstanding instruction challenge. The whole account is persisted
// as one record so that sequence number, PIN state and challenge always
// change atomically.
package account

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
)

// StoreName is the name of the underlying account store.
const StoreName = "wallet_account"

// ErrNotFound is returned when no account exists for a wallet id.
var ErrNotFound = errors.New("account not found")

// Challenge is an outstanding instruction challenge. A wallet has at most
// one; requesting a new challenge discards the previous one.
type Challenge struct {
	Nonce       []byte    `json:"nonce"`
	Instruction string    `json:"instruction"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the challenge has passed its TTL.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Account is a registered wallet instance. Accounts are never hard-deleted;
// a wallet reset registers a new account under a new id.
type Account struct {
	ID                    string                 `json:"id"`
	AttestationFormat     keys.AttestationFormat `json:"attestationFormat"`
	HWPublicKey           []byte                 `json:"hwPublicKey"`  // DER, SubjectPublicKeyInfo
	PinPublicKey          []byte                 `json:"pinPublicKey"` // DER, SubjectPublicKeyInfo
	PinSalt               []byte                 `json:"pinSalt"`
	AppleAssertionCounter uint32                 `json:"appleAssertionCounter,omitempty"`
	SequenceNumber        uint64                 `json:"sequenceNumber"`
	Challenge             *Challenge             `json:"challenge,omitempty"`
	PinState              pinpolicy.State        `json:"pinState"`
}

// HardwareKey parses the registered hardware-attested public key.
func (a *Account) HardwareKey() (*ecdsa.PublicKey, error) {
	return parseECKey(a.HWPublicKey, "hardware")
}

// PinKey parses the registered PIN public key.
func (a *Account) PinKey() (*ecdsa.PublicKey, error) {
	return parseECKey(a.PinPublicKey, "pin")
}

func parseECKey(der []byte, kind string) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse %s public key: %w", kind, err)
	}

	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s public key is %T, not ECDSA", kind, pub)
	}

	return ecKey, nil
}

// Repository persists accounts in a storage provider.
type Repository struct {
	store storage.Store
}

// NewRepository opens the account store in the given provider.
func NewRepository(provider storage.Provider) (*Repository, error) {
	store, err := provider.OpenStore(StoreName)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}

	return &Repository{store: store}, nil
}

// Load reads the account for the given wallet id.
func (r *Repository) Load(id string) (*Account, error) {
	data, err := r.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, fmt.Errorf("load account %s: %w", id, err)
	}

	var acct Account

	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("unmarshal account %s: %w", id, err)
	}

	return &acct, nil
}

// Save writes the account as a single record. Sequence number, PIN state and
// challenge are committed together.
func (r *Repository) Save(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("marshal account %s: %w", acct.ID, err)
	}

	if err := r.store.Put(acct.ID, data); err != nil {
		return fmt.Errorf("save account %s: %w", acct.ID, err)
	}

	return nil
}
