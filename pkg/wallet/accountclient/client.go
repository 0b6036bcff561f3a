/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package accountclient is the wallet-side client of the account server: it
// registers the wallet and runs the instruction protocol, deriving the PIN
// key locally and delegating hardware signatures to the device key store.
package accountclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
	"github.com/IAmCoder/nl-wallet/pkg/provider/instruction"
	"github.com/IAmCoder/nl-wallet/pkg/provider/rest"
)

var logger = log.New("wallet/accountclient")

const defaultRequestTimeout = 30 * time.Second

// Client talks HTTP to the account server. Transport failures and server
// errors are retried with exponential backoff; protocol errors are returned
// as the same typed errors the server-side packages define.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an account server client. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

// RegistrationChallenge fetches a fresh registration challenge.
func (c *Client) RegistrationChallenge(ctx context.Context) ([]byte, error) {
	var resp rest.RegistrationChallengeResponse

	if err := c.post(ctx, rest.RegistrationChallengePath, nil, &resp); err != nil {
		return nil, err
	}

	return resp.Challenge, nil
}

// Register submits a registration message.
func (c *Client) Register(ctx context.Context, msg *instruction.RegistrationMessage) (*instruction.RegistrationResult, error) {
	var result instruction.RegistrationResult

	if err := c.post(ctx, rest.RegistrationPath, msg, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Challenge requests an instruction challenge.
func (c *Client) Challenge(ctx context.Context, req *instruction.ChallengeRequest) (*instruction.ChallengeResponse, error) {
	var resp instruction.ChallengeResponse

	if err := c.post(ctx, rest.InstructionChallengePath, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Submit sends a signed instruction envelope and returns the result token.
func (c *Client) Submit(ctx context.Context, envelope *instruction.Envelope) (string, error) {
	var resp rest.SubmitResponse

	path := strings.Replace(rest.InstructionPath, "{name}", envelope.Name, 1)

	if err := c.post(ctx, path, envelope, &resp); err != nil {
		return "", err
	}

	return resp.Result, nil
}

// post sends a JSON request with retries. Only transport failures and 5xx
// responses are retried; protocol errors are permanent.
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	var body []byte

	if in != nil {
		var err error

		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			logger.Debugf("request to %s failed, will retry: %s", path, err)

			return err
		}

		defer resp.Body.Close() // nolint:errcheck

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("server error: %s", resp.Status)
		}

		if resp.StatusCode >= http.StatusMultipleChoices {
			return backoff.Permanent(mapError(respBody, resp.Status))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	return backoff.Retry(operation, policy)
}

// mapError reconstructs the typed error from the server's error body.
func mapError(body []byte, status string) error {
	var errResp rest.ErrorResponse

	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("account server returned %s", status)
	}

	switch errResp.Type {
	case rest.ErrorTypeIncorrectPin:
		return &instruction.IncorrectPinError{
			AttemptsLeftInRound: errResp.AttemptsLeftInRound,
			IsFinalRound:        errResp.IsFinalRound,
		}
	case rest.ErrorTypePinTimeout:
		return &pinpolicy.TimeoutError{RetryAfter: time.Duration(errResp.RetryAfterSeconds) * time.Second}
	case rest.ErrorTypeBlocked:
		return pinpolicy.ErrBlocked
	case rest.ErrorTypeReplayedInstruction:
		return instruction.ErrReplayedInstruction
	case rest.ErrorTypeChallengeInvalid:
		return instruction.ErrChallengeInvalidOrExpired
	case rest.ErrorTypeInvalidSignature:
		return instruction.ErrInvalidSignature
	case rest.ErrorTypeAccountNotFound:
		return account.ErrNotFound
	case rest.ErrorTypeUnknownInstruction:
		return instruction.ErrUnknownInstruction
	case rest.ErrorTypeAttestationFailed:
		return keys.ErrAttestationFailed
	default:
		return fmt.Errorf("account server returned %s: %s", status, errResp.Message)
	}
}
