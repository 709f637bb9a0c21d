package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPathMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyringd.yaml")
	body := `
controlPlane:
  url: https://cp.example
vault:
  webid: https://pod.example/alice/profile/card#me
verify:
  maxAttempts: 7
  delay: 250ms
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadFromPath(path)
	if cfg.ControlPlane.URL != "https://cp.example" {
		t.Fatalf("cp url = %q", cfg.ControlPlane.URL)
	}
	if cfg.Vault.WebID != "https://pod.example/alice/profile/card#me" {
		t.Fatalf("webid = %q", cfg.Vault.WebID)
	}
	if cfg.Verify.MaxAttempts != 7 || cfg.Verify.Delay != 250*time.Millisecond {
		t.Fatalf("verify = %+v", cfg.Verify)
	}
	// Untouched keys keep their defaults.
	if cfg.Agent.Addr != "127.0.0.1:8788" {
		t.Fatalf("agent addr = %q", cfg.Agent.Addr)
	}
}

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	def := Default()
	if cfg.ControlPlane.URL != def.ControlPlane.URL {
		t.Fatalf("cp url = %q", cfg.ControlPlane.URL)
	}
	if cfg.Verify.MaxAttempts != 5 || cfg.Verify.Delay != time.Second {
		t.Fatalf("verify = %+v", cfg.Verify)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyringd.yaml")
	if err := os.WriteFile(path, []byte("controlPlane:\n  url: https://file.example\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KEYRING_CP_URL", "https://env.example")
	t.Setenv("KEYRING_VERIFY_ATTEMPTS", "3")

	cfg := LoadFromPath(path)
	if cfg.ControlPlane.URL != "https://env.example" {
		t.Fatalf("cp url = %q", cfg.ControlPlane.URL)
	}
	if cfg.Verify.MaxAttempts != 3 {
		t.Fatalf("verify attempts = %d", cfg.Verify.MaxAttempts)
	}
}
