package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"proxion-keyring/go-daemon/internal/vault"
)

var ErrDiscoveryFailed = errors.New("storage root discovery failed")

// storage predicates a profile document may use to point at its root.
var storageKeys = []string{
	"http://www.w3.org/ns/pim/space#storage",
	"pim:storage",
	"space:storage",
	"storage",
}

// Resolver finds the identity's storage root through an ordered chain of
// lookups: in-memory cache, persisted local value, the profile document's
// storage predicate, then an interactive prompt. The first hit wins and is
// cached at every tier above the one that produced it.
type Resolver struct {
	CachePath string
	Vault     *vault.Client
	WebID     string
	Prompt    func(ctx context.Context) (string, error)
	Logger    *slog.Logger

	mu     sync.Mutex
	cached string
}

func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.cached != "" {
		return r.cached, nil
	}
	if root := r.readPersisted(); root != "" {
		r.cached = root
		return root, nil
	}
	if root, err := r.fromProfile(ctx); err == nil && root != "" {
		r.remember(root, logger)
		return root, nil
	} else if err != nil {
		logger.Debug("profile storage lookup failed", "webid", r.WebID, "error", err)
	}
	if r.Prompt != nil {
		root, err := r.Prompt(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
		}
		root = normalizeRoot(root)
		if root != "" {
			r.remember(root, logger)
			return root, nil
		}
	}
	return "", ErrDiscoveryFailed
}

// Set primes the cache with a known root, e.g. from configuration.
func (r *Resolver) Set(root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = normalizeRoot(root)
}

func (r *Resolver) remember(root string, logger *slog.Logger) {
	r.cached = root
	if r.CachePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.CachePath), 0o700); err == nil {
		if err := os.WriteFile(r.CachePath, []byte(root+"\n"), 0o600); err != nil {
			logger.Warn("could not persist storage root", "path", r.CachePath, "error", err)
		}
	}
}

func (r *Resolver) readPersisted() string {
	if r.CachePath == "" {
		return ""
	}
	raw, err := os.ReadFile(r.CachePath)
	if err != nil {
		return ""
	}
	return normalizeRoot(string(raw))
}

func (r *Resolver) fromProfile(ctx context.Context) (string, error) {
	if r.Vault == nil || strings.TrimSpace(r.WebID) == "" {
		return "", nil
	}
	var doc any
	if err := r.Vault.GetJSONLD(ctx, r.WebID, &doc); err != nil {
		return "", err
	}
	return normalizeRoot(storageFromProfile(doc)), nil
}

func storageFromProfile(doc any) string {
	switch node := doc.(type) {
	case map[string]any:
		for _, key := range storageKeys {
			if v, ok := node[key]; ok {
				if root := storageValue(v); root != "" {
					return root
				}
			}
		}
		if graph, ok := node["@graph"]; ok {
			return storageFromProfile(graph)
		}
	case []any:
		for _, item := range node {
			if root := storageFromProfile(item); root != "" {
				return root
			}
		}
	}
	return ""
}

func storageValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case map[string]any:
		if id, ok := value["@id"].(string); ok {
			return id
		}
	case []any:
		for _, item := range value {
			if root := storageValue(item); root != "" {
				return root
			}
		}
	}
	return ""
}

func normalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return ""
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root
}
