// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/callforge/dialer/internal/log"
	"github.com/callforge/dialer/internal/resilience"
)

// ErrCredentialsInvalid maps to spec.md §7 PermanentExternal: the gateway
// rejected the call because the phone's credentials are invalid or the
// account is disabled. Callers must not retry.
var ErrCredentialsInvalid = errors.New("telephony: credentials invalid or account disabled")

// ErrGatewayUnavailable maps to spec.md §7 TransientExternal: a network
// error or 5xx from the gateway. Callers may retry per campaign policy.
var ErrGatewayUnavailable = errors.New("telephony: gateway unavailable")

// ConnectRequest is one outbound `POST /Calls/connect` call (spec.md §6).
type ConnectRequest struct {
	From           string
	To             string
	CallerID       string
	CallType       string // e.g. "trans"
	StatusCallback string
	CustomField    string // sessionId, for webhook correlation
}

// ConnectResponse is the subset of the gateway's JSON reply the orchestrator
// needs: the provider-assigned call id.
type ConnectResponse struct {
	CallSid string `json:"callSid"`
}

// Client is a thin HTTP client for the outbound telephony gateway,
// grounded on the dial/release discipline of an Asterisk AMI originate
// call: acquire, attempt, and on failure let the caller release what it
// reserved (internal/orchestrator owns that half of the contract).
type Client struct {
	httpClient  *http.Client
	baseURL     string
	connectPath string
	cipher      *CredentialCipher
	breaker     *resilience.CircuitBreaker
}

// NewClient builds a gateway client. baseURL is the telephony provider's
// host (e.g. "https://api.telephony.example.com"); connectPath is
// typically "/Calls/connect" (spec.md §6). A sliding-window circuit
// breaker wraps Connect so a gateway outage (spec.md §7 TransientExternal)
// fails fast instead of piling up timed-out dial workers.
func NewClient(baseURL, connectPath string, timeout time.Duration, cipher *CredentialCipher) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		connectPath: connectPath,
		cipher:      cipher,
		breaker:     resilience.NewCircuitBreaker("telephony_gateway", 5, 10, time.Minute, 30*time.Second),
	}
}

// Connect decrypts the phone's stored credentials and places an outbound
// call, returning the provider-assigned call id on success (spec.md §4.4
// dial step 2-3).
func (c *Client) Connect(ctx context.Context, credentialsCiphertext string, req ConnectRequest) (externalCallID string, err error) {
	creds, err := c.cipher.Decrypt(credentialsCiphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
	}

	form := url.Values{
		"From":           {req.From},
		"To":             {req.To},
		"CallerId":       {req.CallerID},
		"CallType":       {req.CallType},
		"StatusCallback": {req.StatusCallback},
		"CustomField":    {req.CustomField},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.connectPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("telephony: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(creds.APIKey, creds.APIToken)
	httpReq.Header.Set("X-Account-SID", creds.AccountSID)
	httpReq.Header.Set("X-Application-ID", firstNonEmpty(creds.ApplicationID, req.CallType))

	if !c.breaker.AllowRequest() {
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, resilience.ErrCircuitOpen)
	}
	c.breaker.RecordAttempt()

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.breaker.RecordTechnicalFailure()
		log.WithComponent("telephony").Warn().Err(err).Str("to", req.To).Msg("connect request failed")
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Credential rejection is the account's fault, not the gateway's.
		c.breaker.RecordSuccess()
		return "", fmt.Errorf("%w: gateway status %d", ErrCredentialsInvalid, resp.StatusCode)
	case resp.StatusCode >= 500:
		c.breaker.RecordTechnicalFailure()
		return "", fmt.Errorf("%w: gateway status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.breaker.RecordSuccess()
		return "", fmt.Errorf("%w: gateway rejected request (status %d): %s", ErrGatewayUnavailable, resp.StatusCode, string(body))
	}

	var out ConnectResponse
	if err := json.Unmarshal(body, &out); err != nil {
		c.breaker.RecordTechnicalFailure()
		return "", fmt.Errorf("%w: malformed connect response: %v", ErrGatewayUnavailable, err)
	}
	if out.CallSid == "" {
		c.breaker.RecordTechnicalFailure()
		return "", fmt.Errorf("%w: connect response missing callSid", ErrGatewayUnavailable)
	}

	c.breaker.RecordSuccess()

	log.WithComponent("telephony").Debug().
		Str("to", req.To).Str("call_sid", out.CallSid).Dur("latency", time.Since(start)).
		Msg("call connected")
	return out.CallSid, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
