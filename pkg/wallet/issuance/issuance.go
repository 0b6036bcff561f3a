/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package issuance runs the wallet's credential issuance sessions. An
// issuer's offer is shown to the user after identity proofing; once the
// user consents and confirms with the PIN, the wallet generates a device
// key per credential, retrieves the issued credentials, verifies each one
// against the trust anchors and its own device key, and stores them.
package issuance

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/IAmCoder/nl-wallet/pkg/doc/mdoc"
	"github.com/IAmCoder/nl-wallet/pkg/doc/sdjwtvc"
	"github.com/IAmCoder/nl-wallet/pkg/wallet/credential"
	"github.com/IAmCoder/nl-wallet/pkg/wallet/event"
)

var logger = log.New("wallet/issuance")

// State is an issuance session state. Success, Declined, Cancelled and
// Error are terminal.
type State string

const (
	StateAwaitingProofing State = "awaiting_identity_proofing"
	StateAwaitingConsent  State = "awaiting_consent"
	StateAwaitingPin      State = "awaiting_pin"
	StateSubmitting       State = "submitting"
	StateSuccess          State = "success"
	StateDeclined         State = "declined"
	StateCancelled        State = "cancelled"
	StateError            State = "error"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateDeclined, StateCancelled, StateError:
		return true
	default:
		return false
	}
}

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("issuance session not found")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid issuance session transition")
	// ErrDeviceKeyMismatch is returned when an issued credential is bound to
	// a different key than the wallet generated for it.
	ErrDeviceKeyMismatch = errors.New("issued credential is bound to a foreign key")
)

// CredentialOffer previews one credential the issuer will issue.
type CredentialOffer struct {
	Format  credential.Format
	DocType string
	// Attributes previews the values for user consent.
	Attributes map[string]map[string]interface{}
}

// Offer is the issuer's full proposal.
type Offer struct {
	// Issuer is the display name of the issuing party.
	Issuer      string
	Credentials []*CredentialOffer
}

// Issuer retrieves issued credentials. deviceKey is the wallet-generated
// key the credential must be bound to, in DER SubjectPublicKeyInfo form.
type Issuer interface {
	Issue(ctx context.Context, offer *CredentialOffer, deviceKey []byte) ([]byte, error)
}

// KeySource creates fresh device keys for issued credentials.
type KeySource interface {
	Generate(ctx context.Context) (keyID string, publicKey []byte, err error)
}

// StatusUpdate is published on every session state change.
type StatusUpdate struct {
	SessionID string
	State     State
}

// Session tracks one issuance interaction.
type Session struct {
	mu sync.Mutex

	id        string
	state     State
	offer     *Offer
	issued    []*credential.Credential
	err       error
	createdAt time.Time
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Offer returns the issuer's proposal for user consent.
func (s *Session) Offer() *Offer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offer
}

// Err returns the error that moved the session to StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

const sessionCacheSize = 1024

// Config wires a Manager.
type Config struct {
	// Store receives accepted credentials.
	Store *credential.Store
	// Anchors are the issuer trust anchors accepted credentials must chain
	// to.
	Anchors []*x509.Certificate
	// SessionTTL bounds how long a session may stay open. Defaults to 15
	// minutes; identity proofing happens in an external app and takes a
	// while.
	SessionTTL time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the active issuance sessions.
type Manager struct {
	cfg      Config
	sessions gcache.Cache
	events   *event.Hub[StatusUpdate]
}

// NewManager creates an issuance session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("issuance manager needs a credential store")
	}

	if len(cfg.Anchors) == 0 {
		return nil, errors.New("issuance manager needs at least one trust anchor")
	}

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Minute
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Manager{
		cfg:      cfg,
		sessions: gcache.New(sessionCacheSize).LRU().Build(),
		events:   event.NewHub[StatusUpdate](),
	}, nil
}

// Events exposes session status updates for the UI.
func (m *Manager) Events() *event.Hub[StatusUpdate] {
	return m.events
}

// Start opens a session for an issuer's offer. The session first awaits
// identity proofing with the issuer.
func (m *Manager) Start(offer *Offer) (*Session, error) {
	session := &Session{
		id:        uuid.NewString(),
		state:     StateAwaitingProofing,
		offer:     offer,
		createdAt: m.cfg.Clock(),
	}

	if err := m.sessions.SetWithExpire(session.id, session, m.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("register issuance session: %w", err)
	}

	m.publish(session)

	logger.Debugf("issuance session %s started for %d credentials from %s",
		session.id, len(offer.Credentials), offer.Issuer)

	return session, nil
}

// Get looks up an active session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	value, err := m.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	return value.(*Session), nil
}

// CompleteProofing records that the user proved their identity with the
// issuer, moving the session to consent.
func (m *Manager) CompleteProofing(sessionID string) error {
	return m.step(sessionID, StateAwaitingProofing, StateAwaitingConsent)
}

// Approve records user consent to the offer, moving the session to PIN
// confirmation.
func (m *Manager) Approve(sessionID string) error {
	return m.step(sessionID, StateAwaitingConsent, StateAwaitingPin)
}

// Decline ends the session without accepting anything.
func (m *Manager) Decline(sessionID string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()

	if session.state != StateAwaitingConsent && session.state != StateAwaitingPin {
		state := session.state
		session.mu.Unlock()

		return fmt.Errorf("%w: cannot decline in state %s", ErrInvalidTransition, state)
	}

	session.state = StateDeclined
	session.mu.Unlock()

	m.publish(session)

	return nil
}

// Cancel aborts the session from any non-terminal state.
func (m *Manager) Cancel(sessionID string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()

	if session.state.Terminal() {
		state := session.state
		session.mu.Unlock()

		return fmt.Errorf("%w: cannot cancel in state %s", ErrInvalidTransition, state)
	}

	session.state = StateCancelled
	session.mu.Unlock()

	m.publish(session)

	return nil
}

// Accept retrieves, verifies and stores the offered credentials after PIN
// confirmation. A device key is generated per credential; a credential
// that fails verification or is bound to the wrong key aborts the whole
// session and nothing is stored.
func (m *Manager) Accept(ctx context.Context, sessionID string, issuer Issuer,
	keySource KeySource) ([]*credential.Credential, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if err := session.transition(StateAwaitingPin, StateSubmitting); err != nil {
		return nil, err
	}

	m.publish(session)

	issued := make([]*credential.Credential, 0, len(session.offer.Credentials))

	for _, offer := range session.offer.Credentials {
		cred, err := m.acceptOne(ctx, offer, issuer, keySource)
		if err != nil {
			m.fail(session, err)

			return nil, err
		}

		issued = append(issued, cred)
	}

	// store only after every credential verified
	for _, cred := range issued {
		if err := m.cfg.Store.Save(cred); err != nil {
			m.fail(session, err)

			return nil, err
		}
	}

	session.mu.Lock()
	session.issued = issued
	session.state = StateSuccess
	session.mu.Unlock()

	m.publish(session)

	logger.Infof("issuance session %s stored %d credentials from %s",
		session.id, len(issued), session.offer.Issuer)

	return issued, nil
}

func (m *Manager) acceptOne(ctx context.Context, offer *CredentialOffer, issuer Issuer,
	keySource KeySource) (*credential.Credential, error) {
	keyID, publicKey, err := keySource.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}

	raw, err := issuer.Issue(ctx, offer, publicKey)
	if err != nil {
		return nil, fmt.Errorf("retrieve credential: %w", err)
	}

	now := m.cfg.Clock()

	cred := &credential.Credential{
		ID:      uuid.NewString(),
		Format:  offer.Format,
		DocType: offer.DocType,
		KeyID:   keyID,
		Raw:     raw,
	}

	switch offer.Format {
	case credential.FormatMdoc:
		doc, err := mdoc.Unmarshal(raw)
		if err != nil {
			return nil, err
		}

		mso, err := doc.Verify(m.cfg.Anchors, now)
		if err != nil {
			return nil, fmt.Errorf("verify issued mdoc: %w", err)
		}

		if !bytes.Equal(mso.DeviceKeyInfo.DeviceKey, publicKey) {
			return nil, ErrDeviceKeyMismatch
		}

		cred.ValidFrom = mso.ValidityInfo.ValidFrom
		cred.ValidUntil = mso.ValidityInfo.ValidUntil

	case credential.FormatSDJWT:
		verified, err := sdjwtvc.VerifyCredential(string(raw), m.cfg.Anchors, now)
		if err != nil {
			return nil, fmt.Errorf("verify issued sd-jwt: %w", err)
		}

		holderKey, err := parsePublicKey(publicKey)
		if err != nil {
			return nil, err
		}

		if !verified.HolderKey.Equal(holderKey) {
			return nil, ErrDeviceKeyMismatch
		}

		cred.ValidFrom = verified.ValidFrom
		cred.ValidUntil = verified.ValidUntil

	default:
		return nil, fmt.Errorf("unknown credential format %q", offer.Format)
	}

	return cred, nil
}

func (m *Manager) step(sessionID string, from, to State) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	if err := session.transition(from, to); err != nil {
		return err
	}

	m.publish(session)

	return nil
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return fmt.Errorf("%w: %s requires state %s, session is %s", ErrInvalidTransition, to, from, s.state)
	}

	s.state = to

	return nil
}

func (m *Manager) fail(session *Session, err error) {
	session.mu.Lock()
	session.state = StateError
	session.err = err
	session.mu.Unlock()

	m.publish(session)
}

func (m *Manager) publish(session *Session) {
	m.events.Publish(StatusUpdate{SessionID: session.ID(), State: session.State()})
}
