// Package verify reconciles the client's view of a written resource with a
// backing store that does not guarantee read-after-write consistency.
package verify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultDelay       = time.Second
)

// Verifier polls a resource with bounded retries and a fixed inter-attempt
// delay. The store's staleness window is assumed roughly constant, so there
// is no backoff escalation.
type Verifier struct {
	HTTP        *http.Client
	Token       string
	MaxAttempts int
	Delay       time.Duration
	Logger      *slog.Logger

	// OnAttempt, when set, observes each poll. Used for metrics.
	OnAttempt func(ok bool)
}

// Verify reports whether url became externally readable within the retry
// budget. All failures, transient or hard, collapse to false; verification
// isolates store staleness from the caller's error path.
func (v Verifier) Verify(ctx context.Context, url string) bool {
	client := v.HTTP
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	attempts := v.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	delay := v.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		ok := v.readOnce(ctx, client, url)
		if v.OnAttempt != nil {
			v.OnAttempt(ok)
		}
		if ok {
			return true
		}
		logger.Debug("resource not yet visible", "url", url, "attempt", attempt, "max_attempts", attempts)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

func (v Verifier) readOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/ld+json")
	if v.Token != "" {
		req.Header.Set("Authorization", "Bearer "+v.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
