// Package portal implements the local provisioning API an installer's
// phone talks to while the device has no uplink credentials. The
// surface is deliberately small: list networks, accept credentials,
// factory reset, and a QR code that jumps a phone to the setup page.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/agronos/device-agent/internal/platform"
	"github.com/agronos/device-agent/internal/store"
)

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the provisioning HTTP server. Started when the device
// enters Provisioning, stopped once credentials arrive and the join
// succeeds.
type Server struct {
	store    *store.Store
	scanner  platform.Scanner
	setupURL string
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	saved      bool
}

// NewServer creates a stopped portal. setupURL is the address encoded
// in the QR code, typically the portal's own URL on the device's
// setup network.
func NewServer(st *store.Store, scanner platform.Scanner, setupURL string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		scanner:  scanner,
		setupURL: setupURL,
		logger:   logger,
	}
}

// Start binds addr and begins serving in the background. Returns an
// error when the portal is already running or the bind fails.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("portal already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind portal %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/networks", s.handleNetworks)
	mux.HandleFunc("POST /api/provision", s.handleProvision)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /qr.png", s.handleQR)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("provisioning portal started", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("portal serve failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the portal down. No-op when not running.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("provisioning portal stopping")
	return srv.Shutdown(ctx)
}

// Running reports whether the portal is serving.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer != nil
}

// Addr returns the bound address while running, "" otherwise. Mostly
// useful with a ":0" listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// CredentialsSaved reports whether a provision request has landed
// since the last call. The signal is consumed on read so one saved
// credential set triggers exactly one join attempt.
func (s *Server) CredentialsSaved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.saved
	s.saved = false
	return saved
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("portal request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "network scanning not available")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	ssids, err := s.scanner.Scan(ctx)
	if err != nil {
		s.logger.Error("network scan failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "scan failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"networks": ssids}, s.logger)
}

type provisionRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SSID == "" {
		s.errorResponse(w, http.StatusBadRequest, "ssid is required")
		return
	}

	if err := s.store.SetWifiCreds(req.SSID, req.Password); err != nil {
		s.logger.Error("failed to save credentials", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save credentials")
		return
	}

	s.mu.Lock()
	s.saved = true
	s.mu.Unlock()

	s.logger.Info("credentials received", "ssid", req.SSID)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "saved", "ssid": req.SSID}, s.logger)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(); err != nil {
		s.logger.Error("factory reset failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}

	s.logger.Warn("factory reset performed via portal")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reset"}, s.logger)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(s.setupURL, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr generation failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, _, hasCreds, err := s.store.WifiCreds()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "state unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"provisioned": hasCreds,
		"setup_url":   s.setupURL,
	}, s.logger)
}
