// Package provision establishes the user's vault namespace: the container
// skeleton, access controls and the seed documents the redemption protocol
// reads back later. Provisioning is idempotent; every run converges to the
// same layout no matter how much of it already exists.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxion-keyring/go-daemon/internal/vault"
	"proxion-keyring/go-daemon/internal/verify"
	"proxion-keyring/go-daemon/pkg/models"
)

// RootSegment is the namespace directory created under the storage root.
const RootSegment = "proxion-keyring/"

// Containers are the fixed sub-containers of the vault layout.
var Containers = []string{"config/", "devices/", "policies/", "receipts/", "audit/"}

type State string

const (
	StateUnprovisioned State = "unprovisioned"
	StateProvisioning  State = "provisioning"
	StateProvisioned   State = "provisioned"
	StateFailed        State = "provisioning_failed"
)

var ErrVerificationFailed = errors.New("provisioned resources did not become visible")

type Provisioner struct {
	Vault    *vault.Client
	Verifier verify.Verifier
	Resolver *Resolver
	WebID    string
	Origin   string
	DeviceID string
	Logger   *slog.Logger
	Now      func() time.Time

	mu    sync.Mutex
	state State
}

func (p *Provisioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "" {
		return StateUnprovisioned
	}
	return p.state
}

func (p *Provisioner) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Provision discovers the storage root and converges the vault to the full
// layout. A failed run is terminal for that attempt only; calling again is
// always safe.
func (p *Provisioner) Provision(ctx context.Context) (models.VaultLayout, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p.setState(StateProvisioning)

	base, err := p.Resolver.Resolve(ctx)
	if err != nil {
		p.setState(StateFailed)
		return models.VaultLayout{}, err
	}
	root := base + RootSegment

	urls := make([]string, 0, len(Containers)+1)
	urls = append(urls, root)
	for _, c := range Containers {
		urls = append(urls, root+c)
	}
	for _, url := range urls {
		if err := p.Vault.EnsureContainer(ctx, url); err != nil {
			p.setState(StateFailed)
			return models.VaultLayout{}, fmt.Errorf("ensure container %s: %w", url, err)
		}
	}

	// ACLs are best-effort hardening; a store that refuses them still
	// yields a working vault.
	for _, url := range urls {
		if err := p.Vault.PutRaw(ctx, url+".acl", "text/turtle", aclDocument(url, p.WebID, p.Origin)); err != nil && !errors.Is(err, vault.ErrAlreadyExists) {
			logger.Warn("acl write failed, continuing", "url", url+".acl", "error", err)
		}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	created := now().UTC().Format(time.RFC3339)

	configURL := root + "config/config.jsonld"
	indexURL := root + "devices/index.jsonld"
	seeds := []struct {
		url string
		doc any
	}{
		{configURL, configDocument(p.WebID, created)},
		{indexURL, indexDocument(p.DeviceID, created)},
		{root + "policies/policy-default.jsonld", defaultPolicyDocument()},
	}
	for _, seed := range seeds {
		err := p.Vault.PutJSONLD(ctx, seed.url, seed.doc)
		switch {
		case err == nil:
		case errors.Is(err, vault.ErrAlreadyExists):
			logger.Debug("resource already initialized", "url", seed.url)
		default:
			p.setState(StateFailed)
			return models.VaultLayout{}, fmt.Errorf("write %s: %w", seed.url, err)
		}
	}

	if !p.Verifier.Verify(ctx, configURL) || !p.Verifier.Verify(ctx, indexURL) {
		p.setState(StateFailed)
		return models.VaultLayout{}, ErrVerificationFailed
	}

	p.setState(StateProvisioned)
	return models.VaultLayout{Root: root, Containers: urls[1:]}, nil
}
