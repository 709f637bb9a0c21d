package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"proxion-keyring/go-daemon/internal/vault"
)

// policyPod serves a policies container with the given member documents.
func policyPod(t *testing.T, docs map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/keyring/policies/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/keyring/policies/" {
			var members []string
			for name := range docs {
				members = append(members, fmt.Sprintf(`{"@id":"/keyring/policies/%s"}`, name))
			}
			w.Header().Set("Content-Type", "application/ld+json")
			fmt.Fprintf(w, `{"@id":"/keyring/policies/","ldp:contains":[%s]}`, strings.Join(members, ","))
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/keyring/policies/")
		body, ok := docs[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	})
	return httptest.NewServer(mux)
}

func TestCollectSkipsMalformedPolicies(t *testing.T) {
	srv := policyPod(t, map[string]string{
		"policy-default.jsonld": `{"policy_id":"pol-default","permits":[{"action":"channel.bootstrap","resource":"*"}]}`,
		"policy-a.jsonld":       `{"policy_id":"pol-a"}`,
		"policy-b.jsonld":       `{"policy_id":"pol-b"}`,
		"policy-broken.jsonld":  `{"policy_id": truncated`,
	})
	defer srv.Close()

	a := Aggregator{Vault: vault.NewClient(srv.Client(), "", nil)}
	policies := a.Collect(context.Background(), srv.URL+"/keyring/policies/")
	if len(policies) != 3 {
		t.Fatalf("policies = %d, want 3", len(policies))
	}
	for _, p := range policies {
		var doc map[string]any
		if err := json.Unmarshal(p, &doc); err != nil {
			t.Fatalf("aggregated policy does not parse: %v", err)
		}
	}
}

func TestCollectIgnoresNonPolicyMembers(t *testing.T) {
	srv := policyPod(t, map[string]string{
		"policy-default.jsonld": `{"policy_id":"pol-default"}`,
		"notes.txt":             `hello`,
		"policies.acl":          `{}`,
	})
	defer srv.Close()

	a := Aggregator{Vault: vault.NewClient(srv.Client(), "", nil)}
	policies := a.Collect(context.Background(), srv.URL+"/keyring/policies/")
	if len(policies) != 1 {
		t.Fatalf("policies = %d, want 1", len(policies))
	}
}

func TestCollectReturnsEmptyWhenContainerUnlistable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	a := Aggregator{Vault: vault.NewClient(srv.Client(), "", nil)}
	if policies := a.Collect(context.Background(), srv.URL+"/keyring/policies/"); policies != nil {
		t.Fatalf("expected empty set, got %d policies", len(policies))
	}
}

func TestCollectSkipsUnreadableMember(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/keyring/policies/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/keyring/policies/":
			w.Write([]byte(`{"ldp:contains":[{"@id":"/keyring/policies/policy-a.jsonld"},{"@id":"/keyring/policies/policy-gone.jsonld"}]}`))
		case "/keyring/policies/policy-a.jsonld":
			w.Write([]byte(`{"policy_id":"pol-a"}`))
		default:
			http.Error(w, "denied", http.StatusForbidden)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := Aggregator{Vault: vault.NewClient(srv.Client(), "", nil)}
	policies := a.Collect(context.Background(), srv.URL+"/keyring/policies/")
	if len(policies) != 1 {
		t.Fatalf("policies = %d, want 1", len(policies))
	}
}
