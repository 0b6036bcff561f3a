/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package instruction

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
	"github.com/IAmCoder/nl-wallet/pkg/keys/appleattest"
	"github.com/IAmCoder/nl-wallet/pkg/keys/googleattest"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
)

var logger = log.New("wallet-provider/instruction")

var (
	// ErrChallengeInvalidOrExpired is returned when an instruction references
	// no challenge, a consumed challenge, an expired challenge, or a
	// challenge issued for a different instruction.
	ErrChallengeInvalidOrExpired = errors.New("instruction challenge invalid or expired")
	// ErrInvalidSignature is returned when the hardware signature over the
	// envelope does not verify.
	ErrInvalidSignature = errors.New("invalid instruction signature")
	// ErrReplayedInstruction is returned when the sequence number is not
	// strictly greater than the last accepted one.
	ErrReplayedInstruction = errors.New("instruction sequence number already used")
	// ErrUnknownInstruction is returned for instruction names without a handler.
	ErrUnknownInstruction = errors.New("unknown instruction")
)

// IncorrectPinError is returned when the PIN signature does not verify. The
// failed attempt counts against the PIN retry budget.
type IncorrectPinError struct {
	AttemptsLeftInRound int
	IsFinalRound        bool
}

func (e *IncorrectPinError) Error() string {
	return fmt.Sprintf("incorrect PIN, %d attempts left in round (final round: %t)",
		e.AttemptsLeftInRound, e.IsFinalRound)
}

// Handler executes a verified instruction against the account. Handlers are
// pure apart from key-store access: they mutate the in-memory account and
// return a result; the service persists the account afterwards.
type Handler func(ctx context.Context, acct *account.Account, payload []byte) (interface{}, error)

// Config wires a Service.
type Config struct {
	Repo   *account.Repository
	HSM    keys.Manager
	Policy pinpolicy.Policy

	ChallengeTTL time.Duration
	WTETTL       time.Duration

	// ResultKey signs instruction results, CertificateKey signs wallet
	// certificates at registration, WTEKey signs wallet trust evidence.
	ResultKey      *ecdsa.PrivateKey
	CertificateKey *ecdsa.PrivateKey
	WTEKey         *ecdsa.PrivateKey

	Google googleattest.Config
	Apple  appleattest.Config
	// AllowSoftwareAttestation accepts the software fallback format. Test
	// configurations only.
	AllowSoftwareAttestation bool

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service runs the instruction protocol. State transitions for a single
// account are serialized through a per-account lock; accounts proceed
// independently of each other.
type Service struct {
	cfg      Config
	handlers map[string]Handler
	locks    sync.Map // wallet id -> *sync.Mutex
	regstore *registrationChallenges
}

// NewService validates the configuration and builds the service with the
// built-in instruction handlers registered.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pin policy: %w", err)
	}

	if cfg.Repo == nil || cfg.HSM == nil {
		return nil, errors.New("instruction service needs an account repository and a key store")
	}

	if cfg.ResultKey == nil || cfg.CertificateKey == nil || cfg.WTEKey == nil {
		return nil, errors.New("instruction service needs result, certificate and WTE signing keys")
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = 2 * time.Minute
	}

	if cfg.WTETTL == 0 {
		cfg.WTETTL = 5 * time.Minute
	}

	s := &Service{
		cfg:      cfg,
		handlers: map[string]Handler{},
		regstore: newRegistrationChallenges(cfg.ChallengeTTL),
	}

	s.handlers[NameCheckPin] = s.handleCheckPin
	s.handlers[NameChangePin] = s.handleChangePin
	s.handlers[NameGenerateKey] = s.handleGenerateKey
	s.handlers[NameSign] = s.handleSign
	s.handlers[NameIssueWTE] = s.handleIssueWTE

	return s, nil
}

// Challenge verifies a signed challenge request and issues a fresh
// single-use challenge bound to the account and instruction name. Any prior
// unconsumed challenge is discarded.
func (s *Service) Challenge(ctx context.Context, req *ChallengeRequest) (*ChallengeResponse, error) {
	unlock := s.lockAccount(req.WalletID)
	defer unlock()

	acct, err := s.cfg.Repo.Load(req.WalletID)
	if err != nil {
		return nil, err
	}

	if err := s.verifyHardwareSignature(acct,
		ChallengeRequestInput(req.WalletID, req.Name, req.SequenceNumber), req.Signature); err != nil {
		return nil, err
	}

	if req.SequenceNumber <= acct.SequenceNumber {
		return nil, fmt.Errorf("%w: %d <= %d", ErrReplayedInstruction, req.SequenceNumber, acct.SequenceNumber)
	}

	nonce := make([]byte, 32)

	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}

	now := s.cfg.Clock()

	acct.SequenceNumber = req.SequenceNumber
	acct.Challenge = &account.Challenge{
		Nonce:       nonce,
		Instruction: req.Name,
		ExpiresAt:   now.Add(s.cfg.ChallengeTTL),
	}

	if err := s.cfg.Repo.Save(acct); err != nil {
		return nil, err
	}

	logger.Debugf("issued %s challenge for wallet %s", req.Name, req.WalletID)

	return &ChallengeResponse{Nonce: nonce, ExpiresAt: acct.Challenge.ExpiresAt.Unix()}, nil
}

// Submit verifies and executes a signed instruction, returning a result JWT
// signed with the provider's result key.
//
// Verification order: challenge, hardware signature, sequence number, PIN
// policy, PIN signature. The challenge is consumed and the outcome persisted
// in a single account save, so a crash cannot lead to double execution.
func (s *Service) Submit(ctx context.Context, envelope *Envelope) (string, error) {
	unlock := s.lockAccount(envelope.WalletID)
	defer unlock()

	acct, err := s.cfg.Repo.Load(envelope.WalletID)
	if err != nil {
		return "", err
	}

	now := s.cfg.Clock()

	if err := s.verifyChallenge(acct, envelope, now); err != nil {
		return "", err
	}

	if err := s.verifyHardwareSignature(acct, KeyInput(envelope), envelope.KeySignature); err != nil {
		return "", err
	}

	if envelope.SequenceNumber <= acct.SequenceNumber {
		return "", fmt.Errorf("%w: %d <= %d", ErrReplayedInstruction,
			envelope.SequenceNumber, acct.SequenceNumber)
	}

	if err := s.cfg.Policy.CheckAllowed(acct.PinState, now); err != nil {
		return "", err
	}

	// All further outcomes consume the challenge and the sequence number.
	acct.Challenge = nil
	acct.SequenceNumber = envelope.SequenceNumber

	if err := s.verifyPinSignature(acct, envelope, now); err != nil {
		return "", err
	}

	acct.PinState = s.cfg.Policy.RecordSuccess(acct.PinState)

	handler, ok := s.handlers[envelope.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstruction, envelope.Name)
	}

	result, err := handler(ctx, acct, envelope.Payload)
	if err != nil {
		// The instruction failed, but the challenge and sequence number are
		// spent regardless.
		if saveErr := s.cfg.Repo.Save(acct); saveErr != nil {
			logger.Errorf("save account %s after failed instruction: %s", acct.ID, saveErr)
		}

		return "", err
	}

	if err := s.cfg.Repo.Save(acct); err != nil {
		return "", err
	}

	logger.Debugf("executed %s instruction for wallet %s", envelope.Name, envelope.WalletID)

	return s.signResult(acct.ID, envelope.SequenceNumber, result)
}

func (s *Service) verifyChallenge(acct *account.Account, envelope *Envelope, now time.Time) error {
	challenge := acct.Challenge

	switch {
	case challenge == nil:
		return fmt.Errorf("%w: no outstanding challenge", ErrChallengeInvalidOrExpired)
	case challenge.Instruction != envelope.Name:
		return fmt.Errorf("%w: challenge bound to %q", ErrChallengeInvalidOrExpired, challenge.Instruction)
	case subtle.ConstantTimeCompare(challenge.Nonce, envelope.Challenge) != 1:
		return fmt.Errorf("%w: nonce mismatch", ErrChallengeInvalidOrExpired)
	case challenge.Expired(now):
		return fmt.Errorf("%w: expired at %s", ErrChallengeInvalidOrExpired, challenge.ExpiresAt)
	}

	return nil
}

func (s *Service) verifyHardwareSignature(acct *account.Account, input, signature []byte) error {
	hwKey, err := acct.HardwareKey()
	if err != nil {
		return err
	}

	if acct.AttestationFormat == keys.FormatApple {
		counter, err := appleattest.VerifyAssertion(signature, input, hwKey,
			acct.AppleAssertionCounter, s.cfg.Apple)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
		}

		acct.AppleAssertionCounter = counter

		// The counter advances even when a later check rejects the
		// instruction, otherwise a rejected submission could be replayed.
		if err := s.cfg.Repo.Save(acct); err != nil {
			return fmt.Errorf("persist assertion counter: %w", err)
		}

		return nil
	}

	if !VerifyECDSA(hwKey, input, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// verifyPinSignature checks the inner PIN signature. A failure burns a PIN
// policy tick and is persisted immediately, so brute-force attempts exhaust
// the retry budget even though the instruction itself is rejected.
func (s *Service) verifyPinSignature(acct *account.Account, envelope *Envelope, now time.Time) error {
	pinKey, err := acct.PinKey()
	if err != nil {
		return err
	}

	if VerifyECDSA(pinKey, PinInput(envelope), envelope.PinSignature) {
		return nil
	}

	state, feedback := s.cfg.Policy.RecordFailure(acct.PinState, now)
	acct.PinState = state

	if err := s.cfg.Repo.Save(acct); err != nil {
		logger.Errorf("save account %s after PIN failure: %s", acct.ID, err)
	}

	return &IncorrectPinError{
		AttemptsLeftInRound: feedback.AttemptsLeftInRound,
		IsFinalRound:        feedback.IsFinalRound,
	}
}

func (s *Service) lockAccount(walletID string) func() {
	value, _ := s.locks.LoadOrStore(walletID, &sync.Mutex{})

	mu := value.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}
