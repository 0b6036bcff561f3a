/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package rest exposes the wallet provider's account server over HTTP:
// registration and the instruction protocol. Error responses carry a
// machine-readable type so the wallet can distinguish an incorrect PIN from
// a blocked account or a replayed instruction.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
	"github.com/IAmCoder/nl-wallet/pkg/provider/instruction"
)

var logger = log.New("wallet-provider/rest")

// API paths.
const (
	RegistrationChallengePath = "/api/v1/registration/challenge"
	RegistrationPath          = "/api/v1/registration"
	InstructionChallengePath  = "/api/v1/instructions/challenge"
	InstructionPath           = "/api/v1/instructions/{name}"
)

// Error types carried in error responses.
const (
	ErrorTypeChallengeInvalid    = "challenge_invalid"
	ErrorTypeInvalidSignature    = "invalid_signature"
	ErrorTypeReplayedInstruction = "replayed_instruction"
	ErrorTypeIncorrectPin        = "incorrect_pin"
	ErrorTypePinTimeout          = "pin_timeout"
	ErrorTypeBlocked             = "blocked"
	ErrorTypeAccountNotFound     = "account_not_found"
	ErrorTypeUnknownInstruction  = "unknown_instruction"
	ErrorTypeAttestationFailed   = "attestation_failed"
	ErrorTypeInternal            = "internal"
)

// RegistrationChallengeResponse carries a fresh registration challenge.
type RegistrationChallengeResponse struct {
	Challenge []byte `json:"challenge"`
}

// SubmitResponse carries the signed instruction result token.
type SubmitResponse struct {
	Result string `json:"result"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// AttemptsLeftInRound and IsFinalRound accompany incorrect_pin.
	AttemptsLeftInRound int  `json:"attemptsLeftInRound,omitempty"`
	IsFinalRound        bool `json:"isFinalRound,omitempty"`
	// RetryAfterSeconds accompanies pin_timeout.
	RetryAfterSeconds int64 `json:"retryAfterSeconds,omitempty"`
}

// Operation hosts the HTTP handlers over the instruction service.
type Operation struct {
	service *instruction.Service
}

// New creates the REST operation.
func New(service *instruction.Service) *Operation {
	return &Operation{service: service}
}

// Router builds the API router.
func (o *Operation) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc(RegistrationChallengePath, o.registrationChallenge).Methods(http.MethodPost)
	router.HandleFunc(RegistrationPath, o.register).Methods(http.MethodPost)
	router.HandleFunc(InstructionChallengePath, o.challenge).Methods(http.MethodPost)
	router.HandleFunc(InstructionPath, o.submit).Methods(http.MethodPost)

	return router
}

func (o *Operation) registrationChallenge(rw http.ResponseWriter, _ *http.Request) {
	challenge, err := o.service.RegistrationChallenge()
	if err != nil {
		writeError(rw, err)

		return
	}

	writeJSON(rw, http.StatusOK, &RegistrationChallengeResponse{Challenge: challenge})
}

func (o *Operation) register(rw http.ResponseWriter, req *http.Request) {
	var msg instruction.RegistrationMessage

	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		writeBadRequest(rw, err)

		return
	}

	result, err := o.service.Register(req.Context(), &msg)
	if err != nil {
		writeError(rw, err)

		return
	}

	writeJSON(rw, http.StatusCreated, result)
}

func (o *Operation) challenge(rw http.ResponseWriter, req *http.Request) {
	var challengeReq instruction.ChallengeRequest

	if err := json.NewDecoder(req.Body).Decode(&challengeReq); err != nil {
		writeBadRequest(rw, err)

		return
	}

	resp, err := o.service.Challenge(req.Context(), &challengeReq)
	if err != nil {
		writeError(rw, err)

		return
	}

	writeJSON(rw, http.StatusOK, resp)
}

func (o *Operation) submit(rw http.ResponseWriter, req *http.Request) {
	var envelope instruction.Envelope

	if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
		writeBadRequest(rw, err)

		return
	}

	if name := mux.Vars(req)["name"]; name != envelope.Name {
		writeJSON(rw, http.StatusBadRequest, &ErrorResponse{
			Type:    ErrorTypeUnknownInstruction,
			Message: "envelope instruction name does not match path",
		})

		return
	}

	result, err := o.service.Submit(req.Context(), &envelope)
	if err != nil {
		writeError(rw, err)

		return
	}

	writeJSON(rw, http.StatusOK, &SubmitResponse{Result: result})
}

func writeBadRequest(rw http.ResponseWriter, err error) {
	writeJSON(rw, http.StatusBadRequest, &ErrorResponse{Type: ErrorTypeInternal, Message: err.Error()})
}

// writeError maps service errors onto statuses the wallet dispatches on:
// 401 for signature and challenge failures, 403 for an incorrect PIN,
// 404 for unknown accounts and instructions, 409 for replays and 423 while
// the account is timed out or blocked.
func writeError(rw http.ResponseWriter, err error) {
	var (
		incorrectPin *instruction.IncorrectPinError
		timeout      *pinpolicy.TimeoutError
	)

	switch {
	case errors.As(err, &incorrectPin):
		writeJSON(rw, http.StatusForbidden, &ErrorResponse{
			Type:                ErrorTypeIncorrectPin,
			Message:             err.Error(),
			AttemptsLeftInRound: incorrectPin.AttemptsLeftInRound,
			IsFinalRound:        incorrectPin.IsFinalRound,
		})
	case errors.As(err, &timeout):
		seconds := int64(timeout.RetryAfter.Seconds()) + 1
		rw.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		writeJSON(rw, http.StatusLocked, &ErrorResponse{
			Type:              ErrorTypePinTimeout,
			Message:           err.Error(),
			RetryAfterSeconds: seconds,
		})
	case errors.Is(err, pinpolicy.ErrBlocked):
		writeJSON(rw, http.StatusLocked, &ErrorResponse{Type: ErrorTypeBlocked, Message: err.Error()})
	case errors.Is(err, instruction.ErrReplayedInstruction):
		writeJSON(rw, http.StatusConflict, &ErrorResponse{Type: ErrorTypeReplayedInstruction, Message: err.Error()})
	case errors.Is(err, instruction.ErrChallengeInvalidOrExpired):
		writeJSON(rw, http.StatusUnauthorized, &ErrorResponse{Type: ErrorTypeChallengeInvalid, Message: err.Error()})
	case errors.Is(err, instruction.ErrInvalidSignature):
		writeJSON(rw, http.StatusUnauthorized, &ErrorResponse{Type: ErrorTypeInvalidSignature, Message: err.Error()})
	case errors.Is(err, keys.ErrAttestationFailed):
		writeJSON(rw, http.StatusUnauthorized, &ErrorResponse{Type: ErrorTypeAttestationFailed, Message: err.Error()})
	case errors.Is(err, account.ErrNotFound):
		writeJSON(rw, http.StatusNotFound, &ErrorResponse{Type: ErrorTypeAccountNotFound, Message: err.Error()})
	case errors.Is(err, instruction.ErrUnknownInstruction):
		writeJSON(rw, http.StatusNotFound, &ErrorResponse{Type: ErrorTypeUnknownInstruction, Message: err.Error()})
	default:
		logger.Errorf("internal error: %s", err)
		writeJSON(rw, http.StatusInternalServerError, &ErrorResponse{Type: ErrorTypeInternal, Message: "internal error"})
	}
}

func writeJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	if err := json.NewEncoder(rw).Encode(body); err != nil {
		logger.Errorf("write response: %s", err)
	}
}
