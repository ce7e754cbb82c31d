// Package admin serves the phobosd HTTP admin surface: health probes,
// Prometheus metrics, a monitor snapshot read straight from the state
// index, and a JWT-gated runtime-configuration endpoint. The HTTP
// handlers never touch scheduler state directly; configuration changes
// go through the daemon's queue onto the scheduler goroutine.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/metrics"
)

// Config bundles the server's dependencies.
type Config struct {
	Listen        string
	PasswordHash  string
	JWTSecret     string
	TokenDuration time.Duration

	MetricsEnabled bool
	MetricsPath    string
}

// Server is the admin HTTP listener.
type Server struct {
	cfg    Config
	tokens *TokenService
	idx    index.Backend
	// applyConfig queues a validated configuration change; installed by
	// the daemon.
	applyConfig func(section, key, value string) error
}

// NewServer validates credentials and builds the server.
func NewServer(cfg Config, idx index.Backend, applyConfig func(section, key, value string) error) (*Server, error) {
	tokens, err := NewTokenService(cfg.JWTSecret, cfg.TokenDuration)
	if err != nil {
		return nil, err
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{cfg: cfg, tokens: tokens, idx: idx, applyConfig: applyConfig}, nil
}

// Tokens exposes the token service so the scheduler can verify the
// admin token on wire configure requests with the same secret.
func (s *Server) Tokens() *TokenService {
	return s.tokens
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("admin surface listening", "addr", s.cfg.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.cfg.MetricsEnabled {
		if reg := metrics.GetRegistry(); reg != nil {
			r.Method(http.MethodGet, s.cfg.MetricsPath,
				promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/monitor", s.handleMonitor)
			r.Post("/configure", s.handleConfigure)
		})
	})
	return r
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := CheckPassword(s.cfg.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	token, expires, err := s.tokens.Issue(time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, TokenType: "Bearer", ExpiresAt: expires})
}

// requireToken checks the Authorization bearer token on protected
// routes.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.tokens.Verify(token) != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type monitorDevice struct {
	Family    string `json:"family"`
	Serial    string `json:"serial"`
	Host      string `json:"host"`
	OpStatus  string `json:"op_status"`
	AdmStatus string `json:"adm_status"`
	Medium    string `json:"medium,omitempty"`
}

type monitorMedium struct {
	Family      string `json:"family"`
	Name        string `json:"name"`
	FSStatus    string `json:"fs_status"`
	LockedBy    string `json:"locked_by,omitempty"`
	PhysFree    string `json:"phys_free"`
	LogicalUsed string `json:"logical_used"`
}

type monitorResponse struct {
	Devices []monitorDevice `json:"devices"`
	Media   []monitorMedium `json:"media"`
}

// handleMonitor reads the device and medium rows straight from the
// state index: the HTTP path must not touch the scheduler goroutine's
// in-memory state. 64-bit counters are rendered as decimal strings per
// the persistent-schema contract.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	resp := monitorResponse{Devices: []monitorDevice{}, Media: []monitorMedium{}}

	devRows, err := s.idx.Get(r.Context(), index.TableDevice, index.All{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, row := range devRows {
		d := index.DeviceFromRow(row)
		md := monitorDevice{
			Family:    string(d.ID.Family),
			Serial:    d.ID.Serial,
			Host:      d.Host,
			OpStatus:  string(d.OpStatus),
			AdmStatus: string(d.AdmStatus),
		}
		if d.Medium != nil {
			md.Medium = d.Medium.Name
		}
		resp.Devices = append(resp.Devices, md)
	}

	mediaRows, err := s.idx.Get(r.Context(), index.TableMedia, index.All{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, row := range mediaRows {
		m := index.MediumFromRow(row)
		mm := monitorMedium{
			Family:      string(m.ID.Family),
			Name:        m.ID.Name,
			FSStatus:    string(m.FSStatus),
			PhysFree:    formatInt64(m.Stats.PhysFree),
			LogicalUsed: formatInt64(m.Stats.LogicalUsed),
		}
		if lock, lerr := s.idx.LockStatus(r.Context(), index.TableMedia, row.ID); lerr == nil && lock != nil {
			mm.LockedBy = lock.Hostname
		}
		resp.Media = append(resp.Media, mm)
	}

	writeJSON(w, http.StatusOK, resp)
}

type configureRequest struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if s.applyConfig == nil {
		writeError(w, http.StatusNotImplemented, "runtime configuration is disabled")
		return
	}
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.applyConfig(req.Section, req.Key, req.Value); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func formatInt64(n int64) string {
	return strconv.FormatInt(n, 10)
}
