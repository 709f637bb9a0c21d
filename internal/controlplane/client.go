// Package controlplane is the HTTP client for the external ticket service.
// Response decoding fails closed: a 2xx body missing a required field is an
// ErrMalformedResponse, never an optimistic partial result.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"proxion-keyring/go-daemon/pkg/models"
)

var (
	ErrMintFailed        = errors.New("ticket mint failed")
	ErrMalformedResponse = errors.New("control plane response is malformed")
)

// RejectedError is a non-2xx redemption response. Status and body travel to
// the caller so a rejection can be diagnosed without re-running the attempt.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("control plane rejected redemption: %d %s", e.Status, e.Body)
}

// RedeemRequest is the wire body of POST /tickets/redeem.
type RedeemRequest struct {
	TicketID             string            `json:"ticket_id"`
	RPPubKey             string            `json:"rp_pubkey"`
	Audience             string            `json:"aud"`
	HolderKeyFingerprint string            `json:"holder_key_fingerprint"`
	PoPSignature         string            `json:"pop_signature"`
	Nonce                string            `json:"nonce"`
	Timestamp            int64             `json:"timestamp"`
	WebID                string            `json:"webid"`
	Policies             []json.RawMessage `json:"policies"`
}

type mintResponse struct {
	TicketID string `json:"ticket_id"`
	ID       string `json:"id"`
}

type redeemResponse struct {
	Token   string          `json:"token"`
	Receipt json.RawMessage `json:"receipt"`
}

type receiptEnvelope struct {
	ReceiptID string `json:"receipt_id"`
}

type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    *slog.Logger
}

func NewClient(baseURL, authToken string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      httpClient,
		logger:    logger,
	}
}

// MintTicket requests a fresh single-use ticket. The call is not
// idempotent and is never retried.
func (c *Client) MintTicket(ctx context.Context) (string, error) {
	status, body, err := c.post(ctx, "/tickets/mint", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: %d %s", ErrMintFailed, status, string(body))
	}
	var resp mintResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	ticketID := resp.TicketID
	if ticketID == "" {
		ticketID = resp.ID
	}
	if ticketID == "" {
		return "", fmt.Errorf("%w: response carries no ticket id", ErrMintFailed)
	}
	return ticketID, nil
}

// RedeemTicket submits the redemption request and returns the receipt plus
// the capability token issued alongside it.
func (c *Client) RedeemTicket(ctx context.Context, req RedeemRequest) (models.Receipt, string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return models.Receipt{}, "", fmt.Errorf("encode redeem request: %w", err)
	}
	status, body, err := c.post(ctx, "/tickets/redeem", payload)
	if err != nil {
		return models.Receipt{}, "", err
	}
	if status < 200 || status >= 300 {
		return models.Receipt{}, "", &RejectedError{Status: status, Body: string(body)}
	}

	var resp redeemResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Receipt{}, "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(resp.Receipt) == 0 || string(resp.Receipt) == "null" {
		return models.Receipt{}, "", fmt.Errorf("%w: no receipt in response", ErrMalformedResponse)
	}
	var env receiptEnvelope
	if err := json.Unmarshal(resp.Receipt, &env); err != nil {
		return models.Receipt{}, "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(env.ReceiptID) == "" {
		return models.Receipt{}, "", fmt.Errorf("%w: receipt has no receipt_id", ErrMalformedResponse)
	}
	return models.Receipt{ID: env.ReceiptID, Raw: resp.Receipt}, resp.Token, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
