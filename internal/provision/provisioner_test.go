package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"proxion-keyring/go-daemon/internal/vault"
	"proxion-keyring/go-daemon/internal/verify"
)

// fakePod is an in-memory stand-in for the remote store. Documents use
// create-once semantics: a second PUT of an existing resource answers 412,
// the conflict the provisioner must tolerate.
type fakePod struct {
	mu         sync.Mutex
	containers map[string]bool
	resources  map[string][]byte
	rejectACLs bool
	hideReads  bool
}

func newFakePod() *fakePod {
	return &fakePod{
		containers: map[string]bool{},
		resources:  map[string][]byte{},
	}
}

func (p *fakePod) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		if strings.Contains(r.Header.Get("Link"), "BasicContainer") || strings.HasSuffix(path, "/") {
			if p.containers[path] {
				w.WriteHeader(http.StatusConflict)
				return
			}
			p.containers[path] = true
			w.WriteHeader(http.StatusCreated)
			return
		}
		if p.rejectACLs && strings.HasSuffix(path, ".acl") {
			http.Error(w, "acl writes disabled", http.StatusForbidden)
			return
		}
		if _, exists := p.resources[path]; exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		body := make([]byte, 0)
		buf := make([]byte, 4096)
		for {
			n, err := r.Body.Read(buf)
			body = append(body, buf[:n]...)
			if err != nil {
				break
			}
		}
		p.resources[path] = body
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		if p.hideReads {
			http.NotFound(w, r)
			return
		}
		if body, ok := p.resources[path]; ok {
			w.Header().Set("Content-Type", "application/ld+json")
			w.Write(body)
			return
		}
		if p.containers[path] {
			w.Write([]byte(`{"@id":"` + path + `"}`))
			return
		}
		http.NotFound(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newProvisioner(srv *httptest.Server, pod *fakePod) *Provisioner {
	client := vault.NewClient(srv.Client(), "", nil)
	resolver := &Resolver{}
	resolver.Set(srv.URL + "/alice/")
	return &Provisioner{
		Vault:    client,
		Verifier: verify.Verifier{HTTP: srv.Client(), MaxAttempts: 3, Delay: time.Millisecond},
		Resolver: resolver,
		WebID:    srv.URL + "/alice/profile/card#me",
		Origin:   "http://localhost:5173",
		DeviceID: "dev1Abc123",
		Now:      func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
}

func TestProvisionCreatesFullLayout(t *testing.T) {
	pod := newFakePod()
	srv := httptest.NewServer(pod)
	defer srv.Close()

	p := newProvisioner(srv, pod)
	layout, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if p.State() != StateProvisioned {
		t.Fatalf("state = %s, want %s", p.State(), StateProvisioned)
	}
	if layout.Root != srv.URL+"/alice/proxion-keyring/" {
		t.Fatalf("root = %s", layout.Root)
	}
	if len(layout.Containers) != len(Containers) {
		t.Fatalf("containers = %d, want %d", len(layout.Containers), len(Containers))
	}
	for _, name := range []string{"config/config.jsonld", "devices/index.jsonld", "policies/policy-default.jsonld"} {
		if _, ok := pod.resources["/alice/proxion-keyring/"+name]; !ok {
			t.Errorf("missing seeded resource %s", name)
		}
	}
	for _, c := range append([]string{""}, Containers...) {
		if !pod.containers["/alice/proxion-keyring/"+c] {
			t.Errorf("missing container %q", c)
		}
	}
}

func TestProvisionConvergesOnRerun(t *testing.T) {
	pod := newFakePod()
	srv := httptest.NewServer(pod)
	defer srv.Close()

	p := newProvisioner(srv, pod)
	first, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}
	containerCount := len(pod.containers)

	second, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("second provision must not fail: %v", err)
	}
	if second.Root != first.Root {
		t.Fatalf("layout diverged: %s vs %s", second.Root, first.Root)
	}
	if len(pod.containers) != containerCount {
		t.Fatalf("rerun duplicated containers: %d vs %d", len(pod.containers), containerCount)
	}
	if p.State() != StateProvisioned {
		t.Fatalf("state = %s", p.State())
	}
}

func TestProvisionTreatsACLFailuresAsNonFatal(t *testing.T) {
	pod := newFakePod()
	pod.rejectACLs = true
	srv := httptest.NewServer(pod)
	defer srv.Close()

	p := newProvisioner(srv, pod)
	if _, err := p.Provision(context.Background()); err != nil {
		t.Fatalf("acl rejection must not abort provisioning: %v", err)
	}
}

func TestProvisionFailsWhenSeedsNeverBecomeVisible(t *testing.T) {
	pod := newFakePod()
	pod.hideReads = true
	srv := httptest.NewServer(pod)
	defer srv.Close()

	p := newProvisioner(srv, pod)
	_, err := p.Provision(context.Background())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if p.State() != StateFailed {
		t.Fatalf("state = %s, want %s", p.State(), StateFailed)
	}
}

func TestProvisionPropagatesHardContainerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	pod := newFakePod()
	p := newProvisioner(srv, pod)
	if _, err := p.Provision(context.Background()); err == nil {
		t.Fatal("expected provisioning to fail")
	}
	if p.State() != StateFailed {
		t.Fatalf("state = %s", p.State())
	}
}
