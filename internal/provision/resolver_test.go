package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"proxion-keyring/go-daemon/internal/vault"
)

func TestResolverPrefersInMemoryCache(t *testing.T) {
	r := &Resolver{
		Prompt: func(ctx context.Context) (string, error) {
			t.Fatal("prompt must not run when cache is primed")
			return "", nil
		},
	}
	r.Set("https://pod.example/alice")
	root, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if root != "https://pod.example/alice/" {
		t.Fatalf("root = %q", root)
	}
}

func TestResolverReadsPersistedValue(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "storage-root")
	if err := os.WriteFile(cache, []byte("https://pod.example/alice/\n"), 0o600); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	r := &Resolver{CachePath: cache}
	root, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if root != "https://pod.example/alice/" {
		t.Fatalf("root = %q", root)
	}
}

func TestResolverDiscoversFromProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/ld+json")
		w.Write([]byte(`{"@id":"#me","http://www.w3.org/ns/pim/space#storage":{"@id":"https://pod.example/alice/"}}`))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "storage-root")
	r := &Resolver{
		CachePath: cache,
		Vault:     vault.NewClient(srv.Client(), "", nil),
		WebID:     srv.URL + "/alice/profile/card#me",
	}
	root, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if root != "https://pod.example/alice/" {
		t.Fatalf("root = %q", root)
	}
	// Discovery result is persisted for the next process.
	persisted, err := os.ReadFile(cache)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if string(persisted) != "https://pod.example/alice/\n" {
		t.Fatalf("persisted = %q", persisted)
	}
}

func TestResolverFallsBackToPrompt(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	prompted := false
	r := &Resolver{
		Vault: vault.NewClient(srv.Client(), "", nil),
		WebID: srv.URL + "/alice/profile/card#me",
		Prompt: func(ctx context.Context) (string, error) {
			prompted = true
			return "https://pod.example/manual", nil
		},
	}
	root, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !prompted {
		t.Fatal("expected interactive fallback")
	}
	if root != "https://pod.example/manual/" {
		t.Fatalf("root = %q", root)
	}
}

func TestResolverFailsWhenChainExhausted(t *testing.T) {
	r := &Resolver{}
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrDiscoveryFailed) {
		t.Fatalf("expected ErrDiscoveryFailed, got %v", err)
	}
}

func TestStorageFromProfileShapes(t *testing.T) {
	cases := []struct {
		name string
		doc  any
		want string
	}{
		{
			name: "prefixed string",
			doc:  map[string]any{"pim:storage": "https://pod.example/a/"},
			want: "https://pod.example/a/",
		},
		{
			name: "graph with id node",
			doc: map[string]any{"@graph": []any{
				map[string]any{"name": "alice"},
				map[string]any{"storage": map[string]any{"@id": "https://pod.example/b/"}},
			}},
			want: "https://pod.example/b/",
		},
		{
			name: "absent",
			doc:  map[string]any{"name": "alice"},
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := storageFromProfile(tc.doc); got != tc.want {
				t.Fatalf("storageFromProfile = %q, want %q", got, tc.want)
			}
		})
	}
}
