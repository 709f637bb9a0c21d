// Package agent exposes the daemon's operations over a localhost HTTP API.
// This is the boundary the dashboard and other local tooling consume; the
// protocol itself lives in the provision and redeem packages.
package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxion-keyring/go-daemon/internal/controlplane"
	"proxion-keyring/go-daemon/internal/keystore"
	"proxion-keyring/go-daemon/internal/platform/ratelimiter"
	"proxion-keyring/go-daemon/internal/provision"
	"proxion-keyring/go-daemon/internal/redeem"
	"proxion-keyring/go-daemon/internal/vault"
	"proxion-keyring/go-daemon/pkg/models"
)

const tokenHeader = "Proxion-Token"

type Server struct {
	Keys        *keystore.Store
	Provisioner *provision.Provisioner
	Redeemer    *redeem.Redeemer
	Vault       *vault.Client
	Resolver    *provision.Resolver
	Token       string
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger

	// Throttle, when set, caps request rate per remote host across the
	// token-guarded endpoints. Redemption burns tickets; a runaway local
	// script should not be able to drain them.
	Throttle *ratelimiter.PerKey
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.throttle)
		r.Get("/identity/keys", s.handleIdentityKeys)
		r.Post("/provision", s.handleProvision)
		r.Post("/redeem", s.handleRedeem)
		r.Get("/receipts", s.handleReceipts)
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.Token != "" && req.Header.Get(tokenHeader) != s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid agent token"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		host := req.RemoteAddr
		if h, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			host = h
		}
		if !s.Throttle.Allow(host, time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) handleIdentityKeys(w http.ResponseWriter, req *http.Request) {
	identity, _, err := s.Keys.GetOrCreate()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DeviceInfo{
		DeviceID:    identity.DeviceID(),
		PublicKey:   publicKeyHex(identity),
		Fingerprint: identity.Fingerprint(),
		CreatedAt:   identity.CreatedAt(),
	})
}

func (s *Server) handleProvision(w http.ResponseWriter, req *http.Request) {
	layout, err := s.Provisioner.Provision(req.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, layout)
}

type redeemRequest struct {
	TicketID string `json:"ticket_id"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, req *http.Request) {
	var body redeemRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	result, err := s.Redeemer.Redeem(req.Context(), strings.TrimSpace(body.TicketID))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReceipts(w http.ResponseWriter, req *http.Request) {
	base, err := s.Resolver.Resolve(req.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	members, err := s.Vault.ListContainer(req.Context(), base+provision.RootSegment+"receipts/")
	if err != nil {
		s.writeError(w, err)
		return
	}
	receipts := make([]string, 0, len(members))
	for _, m := range members {
		if strings.HasSuffix(m, ".jsonld") {
			receipts = append(receipts, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

// writeError maps protocol failures onto HTTP statuses that let a caller
// tell "nothing happened" apart from degraded success.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := http.StatusInternalServerError
	var rejected *controlplane.RejectedError
	switch {
	case errors.As(err, &rejected):
		status = http.StatusForbidden
	case errors.Is(err, keystore.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, controlplane.ErrMintFailed),
		errors.Is(err, controlplane.ErrMalformedResponse),
		errors.Is(err, redeem.ErrReceiptPersistFailed):
		status = http.StatusBadGateway
	case errors.Is(err, provision.ErrDiscoveryFailed):
		status = http.StatusPreconditionRequired
	}
	logger.Error("agent request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func publicKeyHex(id *keystore.Identity) string {
	return hex.EncodeToString(id.Public())
}

// Run serves the agent API until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
