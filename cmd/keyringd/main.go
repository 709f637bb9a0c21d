package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"proxion-keyring/go-daemon/internal/agent"
	"proxion-keyring/go-daemon/internal/config"
	"proxion-keyring/go-daemon/internal/controlplane"
	"proxion-keyring/go-daemon/internal/keystore"
	"proxion-keyring/go-daemon/internal/platform/metrics"
	"proxion-keyring/go-daemon/internal/platform/privacylog"
	"proxion-keyring/go-daemon/internal/platform/ratelimiter"
	"proxion-keyring/go-daemon/internal/policy"
	"proxion-keyring/go-daemon/internal/provision"
	"proxion-keyring/go-daemon/internal/redeem"
	"proxion-keyring/go-daemon/internal/vault"
	"proxion-keyring/go-daemon/internal/verify"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to keyringd.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	agentAddr := flag.String("addr", "", "Local agent API listen address (optional)")
	agentToken := flag.String("token", "", "Token required on agent API requests (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("keyringd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *agentAddr != "" {
		cfg.Agent.Addr = *agentAddr
	}
	if *agentToken != "" {
		cfg.Agent.Token = *agentToken
	}

	logger := slog.New(privacylog.WrapHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("keyringd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("keyringd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	secret := os.Getenv("KEYRING_STORE_SECRET")
	if secret == "" {
		secret = cfg.Agent.Token
	}
	store, err := keystore.Open(filepath.Join(cfg.DataDir, "keystore.bin"), secret)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	identity, mnemonic, err := store.GetOrCreate()
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}
	if mnemonic != "" {
		// Shown once at first start; never logged or persisted in clear.
		fmt.Fprintf(os.Stdout, "recovery phrase (write it down, it will not be shown again):\n%s\n", mnemonic)
	}
	logger.Info("device identity ready",
		"device_id", identity.DeviceID(),
		"fingerprint", identity.Fingerprint(),
	)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	vaultClient := vault.NewClient(httpClient, cfg.Vault.Token, logger)

	resolver := &provision.Resolver{
		CachePath: filepath.Join(cfg.DataDir, "storage-root"),
		Vault:     vaultClient,
		WebID:     cfg.Vault.WebID,
		Prompt:    promptStorageRoot,
		Logger:    logger,
	}
	if cfg.Vault.StorageRoot != "" {
		resolver.Set(cfg.Vault.StorageRoot)
	}

	verifier := verify.Verifier{
		HTTP:        httpClient,
		Token:       cfg.Vault.Token,
		MaxAttempts: cfg.Verify.MaxAttempts,
		Delay:       cfg.Verify.Delay,
		Logger:      logger,
	}

	set := metrics.New(prometheus.DefaultRegisterer)
	verifier.OnAttempt = set.ObserveVerifyAttempt

	srv := &agent.Server{
		Keys: store,
		Provisioner: &provision.Provisioner{
			Vault:    vaultClient,
			Verifier: verifier,
			Resolver: resolver,
			WebID:    cfg.Vault.WebID,
			Origin:   cfg.Vault.Origin,
			DeviceID: identity.DeviceID(),
			Logger:   logger,
		},
		Redeemer: &redeem.Redeemer{
			ControlPlane: controlplane.NewClient(cfg.ControlPlane.URL, cfg.ControlPlane.AuthToken, httpClient, logger),
			Vault:        vaultClient,
			Policies:     policy.Aggregator{Vault: vaultClient, Logger: logger},
			Verifier:     verifier,
			Resolver:     resolver,
			Keys:         store,
			WebID:        cfg.Vault.WebID,
			Metrics:      set,
			Logger:       logger,
		},
		Vault:    vaultClient,
		Resolver: resolver,
		Token:    cfg.Agent.Token,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
		Throttle: ratelimiter.NewPerKey(10, 20, 10*time.Minute),
	}

	logger.Info("keyringd starting", "addr", cfg.Agent.Addr)
	return agent.Run(ctx, cfg.Agent.Addr, srv.Router(), logger)
}

func promptStorageRoot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(os.Stdout, "storage root URL: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("no storage root provided: %w", scanner.Err())
	}
	return scanner.Text(), nil
}
