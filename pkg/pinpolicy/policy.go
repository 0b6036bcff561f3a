/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package pinpolicy implements the PIN retry policy of the wallet provider.
//
// The policy groups failed PIN attempts into rounds. Exhausting a round
// starts an escalating timeout, except for the final round: exhausting that
// one blocks the account permanently. The engine is a pure state machine;
// callers persist and reload State around each call.
package pinpolicy

import (
	"errors"
	"fmt"
	"time"
)

// ErrBlocked is returned by CheckAllowed once the account is permanently
// blocked. There is no recovery path short of a full wallet reset.
var ErrBlocked = errors.New("account is blocked permanently")

// TimeoutError is returned by CheckAllowed while a round timeout is active.
type TimeoutError struct {
	// RetryAfter is the remaining duration of the timeout.
	RetryAfter time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("account is blocked for another %s", e.RetryAfter)
}

// Policy holds the retry parameters. Timeouts has one entry per round
// transition, so its length must be Rounds-1: the final round has no timeout,
// exhausting it is terminal.
type Policy struct {
	Rounds           int
	AttemptsPerRound int
	Timeouts         []time.Duration
}

// DefaultPolicy mirrors the production parameters: four rounds of four
// attempts with escalating timeouts in between.
func DefaultPolicy() Policy {
	return Policy{
		Rounds:           4,
		AttemptsPerRound: 4,
		Timeouts:         []time.Duration{time.Minute, 5 * time.Minute, time.Hour},
	}
}

// Validate checks the policy parameters for internal consistency.
func (p Policy) Validate() error {
	if p.Rounds < 1 {
		return fmt.Errorf("rounds must be at least 1, got %d", p.Rounds)
	}

	if p.AttemptsPerRound < 1 {
		return fmt.Errorf("attempts per round must be at least 1, got %d", p.AttemptsPerRound)
	}

	if len(p.Timeouts) != p.Rounds-1 {
		return fmt.Errorf("need %d timeouts for %d rounds, got %d", p.Rounds-1, p.Rounds, len(p.Timeouts))
	}

	return nil
}

// State is the persisted PIN failure state of a single account.
type State struct {
	Round           int       `json:"round"`
	AttemptsInRound int       `json:"attemptsInRound"`
	BlockedUntil    time.Time `json:"blockedUntil,omitempty"`
	Blocked         bool      `json:"blocked"`
}

// Feedback describes the outcome of a failed attempt so the caller can tell
// the user how many attempts remain before the next escalation.
type Feedback struct {
	AttemptsLeftInRound int
	IsFinalRound        bool
}

// CheckAllowed reports whether a PIN attempt may be made at the given time.
func (p Policy) CheckAllowed(s State, now time.Time) error {
	if s.Blocked {
		return ErrBlocked
	}

	if now.Before(s.BlockedUntil) {
		return &TimeoutError{RetryAfter: s.BlockedUntil.Sub(now)}
	}

	return nil
}

// RecordSuccess resets the failure state. A successful PIN entry fully
// reopens the account, including clearing any running timeout.
func (p Policy) RecordSuccess(s State) State {
	if s.Blocked {
		// A permanent block survives everything, including a correct PIN.
		return s
	}

	return State{}
}

// RecordFailure advances the failure state after an incorrect PIN. It never
// returns an error: even a failure recorded against a blocked account simply
// leaves the state blocked.
func (p Policy) RecordFailure(s State, now time.Time) (State, Feedback) {
	if s.Blocked {
		return s, Feedback{IsFinalRound: true}
	}

	s.AttemptsInRound++

	if s.AttemptsInRound < p.AttemptsPerRound {
		return s, Feedback{
			AttemptsLeftInRound: p.AttemptsPerRound - s.AttemptsInRound,
			IsFinalRound:        s.Round == p.Rounds-1,
		}
	}

	// Round exhausted.
	if s.Round >= p.Rounds-1 {
		s.Blocked = true
		s.BlockedUntil = time.Time{}

		return s, Feedback{IsFinalRound: true}
	}

	timeout := p.Timeouts[s.Round]

	s.Round++
	s.AttemptsInRound = 0
	s.BlockedUntil = now.Add(timeout)

	return s, Feedback{
		AttemptsLeftInRound: p.AttemptsPerRound,
		IsFinalRound:        s.Round == p.Rounds-1,
	}
}
