// Package api serves a read-only JSON view of the protocol and the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prize-vault/internal/config"
	"prize-vault/internal/metrics"
	"prize-vault/internal/protocol"
)

const maxTrendDays = 365

// Server is the HTTP server of the keeper.
type Server struct {
	router *chi.Mux
	proto  *protocol.Protocol
	logger zerolog.Logger
	srv    *http.Server
}

// New builds the router and the underlying http.Server.
func New(cfg config.APIConfig, proto *protocol.Protocol, logger zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		proto:  proto,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/lottery", s.handleLottery)
		r.Get("/lottery/draws", s.handleDraws)
		r.Get("/lottery/users/{address}", s.handleUser)
		r.Get("/strategies", s.handleStrategies)
		r.Get("/strategies/optimal", s.handleOptimal)
		r.Get("/risk/{protocol}", s.handleRisk)
		r.Get("/emergency", s.handleEmergency)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("starting HTTP server")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.proto.GetProtocolStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.statusView(st))
}

func (s *Server) handleLottery(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.lotteryView(s.proto.GetLotteryInfo()))
}

func (s *Server) handleDraws(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	draws := s.proto.Lottery.Draws()
	limit = min(limit, len(draws))
	out := make([]drawView, 0, limit)
	for i := len(draws) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.drawView(draws[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	info, err := s.proto.GetUserLotteryInfo(r.Context(), common.HexToAddress(raw))
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.userView(info))
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	list := s.proto.Registry.Strategies()
	out := make([]strategyView, 0, len(list))
	for _, st := range list {
		out = append(out, s.strategyView(st))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOptimal(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	amt, err := decimal.NewFromString(raw)
	if err != nil || !amt.IsPositive() {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive decimal")
		return
	}
	sel, err := s.proto.OptimalStrategy(amt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !sel.Found() {
		s.writeError(w, http.StatusNotFound, "no strategy qualifies")
		return
	}
	s.writeJSON(w, http.StatusOK, s.selectionView(sel))
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTrendDays {
			s.writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
			return
		}
		days = n
	}
	name := chi.URLParam(r, "protocol")
	a := s.proto.Oracle.GetRiskAssessment(name)
	view := riskViewOf(a, s.proto.Oracle.IsEmergency(name))
	trend := trendViewOf(s.proto.Oracle.Trend(name, time.Duration(days)*24*time.Hour), days)
	view.Trend = &trend
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEmergency(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, emergencyViewOf(s.proto.Emergency.State(s.proto.Pool.Name())))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
