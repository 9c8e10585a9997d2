package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycrm/internal/crmsync"
)

type ServerConfig struct {
	JWTSecret         string
	WebhookHMACSecret string
	WebhookMaxSkew    time.Duration
	MaxBodyBytes      int64
}

// Server is the HTTP face of the connector: the platform's webhook endpoint
// plus health, metrics, and a small operator dashboard.
type Server struct {
	engine            *crmsync.Engine
	cfg               ServerConfig
	logger            *zap.Logger
	metricsHandler    http.Handler
	webhookReplayMu   sync.Mutex
	webhookReplaySeen map[string]time.Time
}

func NewServer(engine *crmsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{}, nil, nil)
}

// NewServerWithConfig builds a Server. registry may be nil, in which case
// /metrics serves the default prometheus registry. An empty WebhookHMACSecret
// disables webhook signature verification.
func NewServerWithConfig(engine *crmsync.Engine, cfg ServerConfig, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var metricsHandler http.Handler
	if registry != nil {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	} else {
		metricsHandler = promhttp.Handler()
	}
	return &Server{
		engine:            engine,
		cfg:               cfg,
		logger:            logger,
		metricsHandler:    metricsHandler,
		webhookReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metricsHandler.ServeHTTP(w, r)
	case r.URL.Path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
	case r.URL.Path == "/dashboard/ws" && r.Method == http.MethodGet:
		s.handleDashboardWS(w, r)
	case r.URL.Path == "/v1/admin/outcomes" && r.Method == http.MethodGet:
		s.handleAdminOutcomes(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleWebhook is the platform-facing envelope endpoint. Once past auth it
// always answers 200: the result envelope carries SUCCEEDED or FAILED, and
// the platform treats the HTTP layer as transport only.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if s.cfg.WebhookHMACSecret != "" {
		now := time.Now().UTC()
		timestamp := r.Header.Get("X-Relay-Timestamp")
		signature := r.Header.Get("X-Relay-Signature")
		if authErr := verifyWebhookHMAC(s.cfg.WebhookHMACSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message)
			return
		}
		if !s.markWebhookReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "webhook request replay detected")
			return
		}
	}

	result := s.engine.HandleEvent(r.Context(), body)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminOutcomes(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "ops:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	outcomes := s.engine.Feed().Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": outcomes,
		"count":    len(outcomes),
	})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) markWebhookReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.WebhookMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.webhookReplayMu.Lock()
	defer s.webhookReplayMu.Unlock()
	for replayKey, expiresAt := range s.webhookReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.webhookReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.webhookReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.webhookReplaySeen[key] = now.Add(window)
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
