// Package policy aggregates authorization policy documents from the vault
// for submission to the control plane. Policy is advisory input to the
// control plane, not a client-side gate: aggregation never blocks a
// redemption.
package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"proxion-keyring/go-daemon/internal/vault"
)

type Aggregator struct {
	Vault  *vault.Client
	Logger *slog.Logger
}

// Collect lists the container's members, fetches each policy document and
// returns the ones that parse. A fetch or parse failure on one member is
// logged and skipped; an unlistable container yields an empty set.
func (a Aggregator) Collect(ctx context.Context, containerURL string) []json.RawMessage {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	members, err := a.Vault.ListContainer(ctx, containerURL)
	if err != nil {
		logger.Warn("policy container unavailable, proceeding without policies", "url", containerURL, "error", err)
		return nil
	}

	var policies []json.RawMessage
	for _, member := range members {
		if !isPolicyDocument(member) {
			continue
		}
		url := resolveMember(containerURL, member)
		raw, err := a.Vault.GetRaw(ctx, url)
		if err != nil {
			logger.Warn("skipping unreadable policy", "url", url, "error", err)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			logger.Warn("skipping malformed policy", "url", url, "error", err)
			continue
		}
		policies = append(policies, json.RawMessage(raw))
	}
	return policies
}

func isPolicyDocument(member string) bool {
	name := member
	if i := strings.LastIndex(strings.TrimSuffix(name, "/"), "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.HasSuffix(name, ".jsonld") && !strings.HasSuffix(name, ".acl")
}

// resolveMember joins container-relative member names; the store sometimes
// lists absolute URLs and sometimes bare names.
func resolveMember(containerURL, member string) string {
	if strings.HasPrefix(member, "http://") || strings.HasPrefix(member, "https://") {
		return member
	}
	if strings.HasPrefix(member, "/") {
		i := strings.Index(containerURL, "://")
		if i < 0 {
			return member
		}
		j := strings.Index(containerURL[i+3:], "/")
		if j < 0 {
			return containerURL + member
		}
		return containerURL[:i+3+j] + member
	}
	return strings.TrimSuffix(containerURL, "/") + "/" + member
}
