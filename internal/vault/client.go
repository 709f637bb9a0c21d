// Package vault talks to the remote resource store holding the user's
// provisioned namespace. The store is eventually consistent; callers that
// need read-after-write confirmation go through the verify package.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const contentTypeJSONLD = "application/ld+json"

var (
	ErrAlreadyExists = errors.New("vault resource already exists")
	ErrNotFound      = errors.New("vault resource not found")
)

// StatusError is a non-2xx vault response outside the tolerated
// idempotency conflicts.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vault returned %d: %s", e.Status, e.Body)
}

type Client struct {
	http    *http.Client
	token   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(httpClient *http.Client, token string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    httpClient,
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		logger:  logger,
	}
}

// EnsureContainer creates a container resource, treating "already exists"
// conflicts (409, 412) as success. The operation is commutative and safe
// to repeat or reorder.
func (c *Client) EnsureContainer(ctx context.Context, url string) error {
	req, err := c.newRequest(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Link", `<http://www.w3.org/ns/ldp#BasicContainer>; rel="type"`)
	req.Header.Set("Content-Type", "text/turtle")
	status, body, err := c.do(req)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		c.logger.Debug("container already exists", "url", url)
		return nil
	default:
		return &StatusError{Status: status, Body: body}
	}
}

// PutJSONLD writes a JSON-LD document. Idempotency conflicts surface as
// ErrAlreadyExists so callers can treat re-initialization as success.
func (c *Client) PutJSONLD(ctx context.Context, url string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return c.PutRaw(ctx, url, contentTypeJSONLD, payload)
}

func (c *Client) PutRaw(ctx context.Context, url, contentType string, body []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	status, respBody, err := c.do(req)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return ErrAlreadyExists
	default:
		return &StatusError{Status: status, Body: respBody}
	}
}

func (c *Client) GetJSONLD(ctx context.Context, url string, out any) error {
	raw, err := c.GetRaw(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *Client) GetRaw(ctx context.Context, url string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSONLD)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (int, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, string(body), nil
}
