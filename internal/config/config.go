// Package config loads daemon configuration from a yaml file with
// environment overrides layered on top.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"controlPlane"`
	Vault        VaultConfig        `yaml:"vault"`
	Agent        AgentConfig        `yaml:"agent"`
	Verify       VerifyConfig       `yaml:"verify"`
	DataDir      string             `yaml:"dataDir"`
}

type ControlPlaneConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"authToken"`
}

type VaultConfig struct {
	StorageRoot string `yaml:"storageRoot"`
	WebID       string `yaml:"webid"`
	Origin      string `yaml:"origin"`
	Token       string `yaml:"token"`
}

type AgentConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type VerifyConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Delay       time.Duration `yaml:"delay"`
}

func Default() Config {
	return Config{
		ControlPlane: ControlPlaneConfig{URL: "http://127.0.0.1:8787"},
		Vault:        VaultConfig{Origin: "http://localhost:5173"},
		Agent:        AgentConfig{Addr: "127.0.0.1:8788"},
		Verify:       VerifyConfig{MaxAttempts: 5, Delay: time.Second},
		DataDir:      defaultDataDir(),
	}
}

// LoadFromPath merges the first readable candidate config file over the
// defaults, then applies environment overrides. A missing or unparsable
// file falls through to the next candidate rather than failing startup.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/keyringd.yaml",
			"keyringd.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}
	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Config, src Config) {
	if src.ControlPlane.URL != "" {
		dst.ControlPlane.URL = src.ControlPlane.URL
	}
	if src.ControlPlane.AuthToken != "" {
		dst.ControlPlane.AuthToken = src.ControlPlane.AuthToken
	}
	if src.Vault.StorageRoot != "" {
		dst.Vault.StorageRoot = src.Vault.StorageRoot
	}
	if src.Vault.WebID != "" {
		dst.Vault.WebID = src.Vault.WebID
	}
	if src.Vault.Origin != "" {
		dst.Vault.Origin = src.Vault.Origin
	}
	if src.Vault.Token != "" {
		dst.Vault.Token = src.Vault.Token
	}
	if src.Agent.Addr != "" {
		dst.Agent.Addr = src.Agent.Addr
	}
	if src.Agent.Token != "" {
		dst.Agent.Token = src.Agent.Token
	}
	if src.Verify.MaxAttempts != 0 {
		dst.Verify.MaxAttempts = src.Verify.MaxAttempts
	}
	if src.Verify.Delay != 0 {
		dst.Verify.Delay = src.Verify.Delay
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KEYRING_CP_URL"); v != "" {
		cfg.ControlPlane.URL = v
	}
	if v := os.Getenv("KEYRING_CP_TOKEN"); v != "" {
		cfg.ControlPlane.AuthToken = v
	}
	if v := os.Getenv("KEYRING_STORAGE_ROOT"); v != "" {
		cfg.Vault.StorageRoot = v
	}
	if v := os.Getenv("KEYRING_WEBID"); v != "" {
		cfg.Vault.WebID = v
	}
	if v := os.Getenv("KEYRING_VAULT_TOKEN"); v != "" {
		cfg.Vault.Token = v
	}
	if v := os.Getenv("KEYRING_AGENT_ADDR"); v != "" {
		cfg.Agent.Addr = v
	}
	if v := os.Getenv("KEYRING_AGENT_TOKEN"); v != "" {
		cfg.Agent.Token = v
	}
	if v := os.Getenv("KEYRING_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KEYRING_VERIFY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Verify.MaxAttempts = n
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".proxion-keyring"
	}
	return home + "/.proxion-keyring"
}
