// Package api exposes the isolation service over HTTP: identity lookups and
// risk reports for automation clients, pool administration for operators.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/identity-isolator/internal/browser"
	"github.com/developingchet/identity-isolator/internal/ippool"
	"github.com/developingchet/identity-isolator/internal/isolation"
	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/developingchet/identity-isolator/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 64 << 10

	shutdownTimeout = 5 * time.Second
)

// Server routes API requests to the coordinator and the IP manager.
type Server struct {
	coord  *isolation.Coordinator
	ips    *ippool.Manager
	launch browser.LaunchOptions
	token  string
	log    zerolog.Logger
}

// New returns a Server. An empty token disables authentication.
func New(coord *isolation.Coordinator, ips *ippool.Manager, launch browser.LaunchOptions, token string, log zerolog.Logger) *Server {
	return &Server{
		coord:  coord,
		ips:    ips,
		launch: launch,
		token:  token,
		log:    log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routed, authenticated and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /v1/users/{user}/config", s.getConfig)
	s.route(mux, "GET /v1/users/{user}/chrome-args", s.getChromeArgs)
	s.route(mux, "POST /v1/users/{user}/rotate", s.rotateIdentity)
	s.route(mux, "POST /v1/users/{user}/risk", s.reportRisk)
	s.route(mux, "GET /v1/users/{user}/ip", s.getUserIP)
	s.route(mux, "GET /v1/ips", s.listIPs)
	s.route(mux, "POST /v1/ips", s.addIP)
	s.route(mux, "GET /v1/ips/{id}", s.getIP)
	s.route(mux, "DELETE /v1/ips/{id}", s.removeIP)
	s.route(mux, "POST /v1/ips/{id}/ban", s.banIP)
	s.route(mux, "POST /v1/ips/{id}/failures", s.reportFailure)
	s.route(mux, "GET /v1/stats", s.getStats)
	return mux
}

// Serve runs the API server until ctx is cancelled. It returns only after
// in-flight requests have finished or the drain timeout expired.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Bool("auth", s.token != "").Msg("API server started")
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("API server drain incomplete")
	}
	<-errc
	return nil
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, s.authenticate(h)))
}

// authenticate accepts "Authorization: Bearer <token>" or "X-Api-Token: <token>".
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte(s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Api-Token")
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = bearer
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		metrics.APIDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.log.Debug().Str("route", route).Int("code", rec.code).Dur("elapsed", elapsed).Msg("api request")
	})
}

// --- user routes ------------------------------------------------------------

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.GetBrowserConfigForUser(r.Context(), r.PathValue("user")))
}

func (s *Server) getChromeArgs(w http.ResponseWriter, r *http.Request) {
	cfg := s.coord.GetBrowserConfigForUser(r.Context(), r.PathValue("user"))
	writeJSON(w, http.StatusOK, map[string]any{
		"args":           browser.ChromeArgs(cfg, s.launch),
		"pool_exhausted": cfg.PoolExhausted,
	})
}

func (s *Server) rotateIdentity(w http.ResponseWriter, r *http.Request) {
	cfg := s.coord.RotateUserIdentity(r.Context(), r.PathValue("user"))
	if cfg == nil {
		writeError(w, http.StatusConflict, "identity rotation failed")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type riskRequest struct {
	Level   string            `json:"level"`
	Context map[string]string `json:"context"`
}

func (s *Server) reportRisk(w http.ResponseWriter, r *http.Request) {
	var req riskRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Level == "" {
		writeError(w, http.StatusBadRequest, "level is required")
		return
	}
	writeJSON(w, http.StatusOK, s.coord.HandleDetectionRisk(r.Context(), r.PathValue("user"), req.Level, req.Context))
}

func (s *Server) getUserIP(w http.ResponseWriter, r *http.Request) {
	info, err := s.ips.GetUserIPInfo(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- pool administration ----------------------------------------------------

func (s *Server) listIPs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.IPFilter{
		Status:   storage.IPStatus(q.Get("status")),
		Provider: q.Get("provider"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", f.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	recs, err := s.ips.ListIPs(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []storage.IPRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) addIP(w http.ResponseWriter, r *http.Request) {
	var req ippool.AddIPRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.ips.AddIP(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getIP(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ips.GetIPByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) removeIP(w http.ResponseWriter, r *http.Request) {
	n, err := s.ips.RemoveIP(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true, "reassigned_users": n})
}

type banRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) banIP(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "Manual ban"
	}
	rec, err := s.ips.BanIP(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type failureRequest struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}

func (s *Server) reportFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	rec, err := s.ips.ReportIPFailure(r.Context(), r.PathValue("id"), req.Type, req.Details)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ips.GetStats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- helpers ----------------------------------------------------------------

// fail maps manager errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ippool.ErrIPNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ippool.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ippool.ErrPoolExhausted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ippool.ErrNotInitialized), errors.Is(err, ippool.ErrUnavailable):
		s.log.Error().Err(err).Msg("ip manager unavailable")
		writeError(w, http.StatusServiceUnavailable, "ip pool unavailable")
	default:
		s.log.Error().Err(err).Msg("unhandled api error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v. An empty body leaves v zeroed.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
