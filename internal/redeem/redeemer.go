// Package redeem orchestrates one capability redemption: mint or accept a
// ticket, prove possession of the device key, aggregate policies, exchange
// the ticket at the control plane, persist the receipt and confirm it is
// visible.
package redeem

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxion-keyring/go-daemon/internal/controlplane"
	"proxion-keyring/go-daemon/internal/keystore"
	"proxion-keyring/go-daemon/internal/platform/metrics"
	"proxion-keyring/go-daemon/internal/policy"
	"proxion-keyring/go-daemon/internal/pop"
	"proxion-keyring/go-daemon/internal/provision"
	"proxion-keyring/go-daemon/internal/vault"
	"proxion-keyring/go-daemon/internal/verify"
	"proxion-keyring/go-daemon/pkg/models"
)

// DefaultAudience identifies the vault bootstrap grant this daemon
// requests.
const DefaultAudience = "vault:proxion-keyring"

var ErrReceiptPersistFailed = errors.New("receipt could not be persisted to the vault")

type Redeemer struct {
	ControlPlane *controlplane.Client
	Vault        *vault.Client
	Policies     policy.Aggregator
	Signer       pop.Signer
	Verifier     verify.Verifier
	Resolver     *provision.Resolver
	Keys         *keystore.Store
	WebID        string
	Audience     string
	Metrics      *metrics.Set
	Logger       *slog.Logger
	Now          func() time.Time

	mu       sync.Mutex
	identity *keystore.Identity
	inflight map[string]*sync.Mutex
}

// loadIdentity resolves the device identity once and caches it; the
// keystore handle itself is scoped per call and must not be hit by
// concurrent redemption attempts.
func (r *Redeemer) loadIdentity() (*keystore.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity != nil {
		return r.identity, nil
	}
	identity, _, err := r.Keys.GetOrCreate()
	if err != nil {
		return nil, err
	}
	r.identity = identity
	return identity, nil
}

// Redeem runs the full exchange. An empty ticketID auto-mints one from the
// control plane. Concurrent calls for the same device identity are
// serialized; the protocol assumes one redemption in flight per key.
func (r *Redeemer) Redeem(ctx context.Context, ticketID string) (models.RedemptionResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	identity, err := r.loadIdentity()
	if err != nil {
		return r.fail(fmt.Errorf("load device identity: %w", err))
	}

	unlock := r.lockIdentity(identity.Fingerprint())
	defer unlock()

	if ticketID == "" {
		ticketID, err = r.ControlPlane.MintTicket(ctx)
		if err != nil {
			return r.fail(err)
		}
		logger.Info("minted ticket", "ticket_id", ticketID)
	}

	base, err := r.Resolver.Resolve(ctx)
	if err != nil {
		return r.fail(err)
	}
	root := base + provision.RootSegment

	audience := r.Audience
	if audience == "" {
		audience = DefaultAudience
	}
	proof, err := r.Signer.Sign(ticketID, audience, identity)
	if err != nil {
		return r.fail(err)
	}

	policies := r.Policies.Collect(ctx, root+"policies/")
	logger.Debug("aggregated policies", "count", len(policies))

	receipt, token, err := r.ControlPlane.RedeemTicket(ctx, controlplane.RedeemRequest{
		TicketID:             ticketID,
		RPPubKey:             hex.EncodeToString(identity.Public()),
		Audience:             audience,
		HolderKeyFingerprint: proof.HolderFingerprint,
		PoPSignature:         proof.Signature,
		Nonce:                proof.Nonce,
		Timestamp:            proof.Timestamp,
		WebID:                r.WebID,
		Policies:             policies,
	})
	if err != nil {
		r.appendAudit(ctx, root, models.AuditEvent{
			EventType: "ticket.redeemed",
			TicketID:  ticketID,
			Result:    "rejected",
			Reason:    err.Error(),
		})
		return r.fail(err)
	}
	_ = token // capability token delivery to the transport layer is out of scope here

	receiptURL := root + "receipts/" + receipt.ID + ".jsonld"
	if err := r.persistReceipt(ctx, receiptURL, receipt); err != nil {
		if r.Metrics != nil {
			r.Metrics.VaultWriteFailures.Inc()
		}
		return r.fail(err)
	}

	result := models.RedemptionResult{
		TicketID:   ticketID,
		ReceiptID:  receipt.ID,
		ReceiptURL: receiptURL,
	}
	if r.Verifier.Verify(ctx, receiptURL) {
		result.Status = models.StatusRedeemedVerified
		result.Verified = true
	} else {
		// The write side-effect stands; only visibility is unconfirmed.
		result.Status = models.StatusRedeemedUnverified
	}

	r.appendAudit(ctx, root, models.AuditEvent{
		EventType: "ticket.redeemed",
		TicketID:  ticketID,
		ReceiptID: receipt.ID,
		Result:    string(result.Status),
	})
	if r.Metrics != nil {
		outcome := "verified"
		if !result.Verified {
			outcome = "unverified"
		}
		r.Metrics.RedemptionsTotal.WithLabelValues(outcome).Inc()
		r.Metrics.RedemptionSeconds.Observe(time.Since(start).Seconds())
	}
	logger.Info("ticket redeemed", "ticket_id", ticketID, "receipt_id", receipt.ID, "verified", result.Verified)
	return result, nil
}

// persistReceipt writes the receipt verbatim. The primary JSON-LD path may
// reject the payload's shape on some stores; the raw path with an explicit
// content type is tried before giving up.
func (r *Redeemer) persistReceipt(ctx context.Context, url string, receipt models.Receipt) error {
	err := r.Vault.PutRaw(ctx, url, "application/ld+json", receipt.Raw)
	if err == nil || errors.Is(err, vault.ErrAlreadyExists) {
		return nil
	}
	fallbackErr := r.Vault.PutRaw(ctx, url, "application/json", receipt.Raw)
	if fallbackErr == nil || errors.Is(fallbackErr, vault.ErrAlreadyExists) {
		return nil
	}
	return fmt.Errorf("%w: primary: %v; fallback: %v", ErrReceiptPersistFailed, err, fallbackErr)
}

func (r *Redeemer) appendAudit(ctx context.Context, root string, event models.AuditEvent) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	event.At = now().UTC()
	url := fmt.Sprintf("%saudit/redemption-%d.jsonld", root, event.At.UnixNano())
	if err := r.Vault.PutJSONLD(ctx, url, event); err != nil && !errors.Is(err, vault.ErrAlreadyExists) {
		logger := r.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("audit append failed", "url", url, "error", err)
	}
}

func (r *Redeemer) lockIdentity(fingerprint string) func() {
	r.mu.Lock()
	if r.inflight == nil {
		r.inflight = make(map[string]*sync.Mutex)
	}
	m, ok := r.inflight[fingerprint]
	if !ok {
		m = &sync.Mutex{}
		r.inflight[fingerprint] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (r *Redeemer) fail(err error) (models.RedemptionResult, error) {
	if r.Metrics != nil {
		r.Metrics.RedemptionsTotal.WithLabelValues("failed").Inc()
	}
	return models.RedemptionResult{}, err
}
