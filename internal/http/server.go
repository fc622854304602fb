package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"folio/internal/config"
	"folio/internal/domain"
	"folio/internal/metrics"
	"folio/internal/service/auth"
	"folio/internal/service/broadcast"
	"folio/internal/service/cache"
	"folio/internal/service/fetcher"
	"folio/internal/service/orchestrator"
)

type StatusSource interface {
	Snapshot() domain.Snapshot
}

type Refresher interface {
	Trigger(req orchestrator.CycleRequest) (string, error)
}

type Logins interface {
	BeginLogin(account string) (string, error)
	CompleteLogin(ctx context.Context, stateToken, requestToken string) (string, error)
}

type Subscriber interface {
	Subscribe() *broadcast.Observer
	Unsubscribe(o *broadcast.Observer)
}

type IndexSource interface {
	Get(ctx context.Context) ([]domain.MarketIndex, error)
}

type Deps struct {
	Status    StatusSource
	Refresher Refresher
	Logins    Logins
	Hub       Subscriber
	Data      *cache.Store
	Indices   IndexSource
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

type Server struct {
	cfg       config.Config
	status    StatusSource
	refresher Refresher
	logins    Logins
	hub       Subscriber
	data      *cache.Store
	indices   IndexSource
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewServer(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		status:    deps.Status,
		refresher: deps.Refresher,
		logins:    deps.Logins,
		hub:       deps.Hub,
		data:      deps.Data,
		indices:   deps.Indices,
		metrics:   deps.Metrics,
		log:       deps.Logger.With().Str("component", "http").Logger(),
	}
}

// datasets maps each data endpoint to its cached dataset and sort key.
var datasets = []struct {
	path    string
	set     string
	sortKey string
}{
	{"/stocks_data", fetcher.SetStocks, "tradingsymbol"},
	{"/mf_holdings_data", fetcher.SetMFHoldings, "fund"},
	{"/sips_data", fetcher.SetSIPs, "status"},
	{"/nifty50_data", fetcher.SetNifty50, "symbol"},
	{"/physical_gold_data", fetcher.SetPhysicalGold, "date"},
	{"/gold_rates_data", fetcher.SetGoldRates, "purity"},
	{"/fixed_deposits_data", fetcher.SetFixedDeposits, "original_investment_date"},
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/ws", s.handleWS)
	r.Post("/refresh", s.handleRefresh)
	r.Get("/login/{account}", s.handleLogin)
	r.Get("/market_indices", s.handleMarketIndices)
	for _, ds := range datasets {
		r.Get(ds.path, s.handleDataset(ds.set, ds.sortKey))
	}
	r.Handle("/metrics", s.metrics.Handler())

	if s.cfg.CallbackAddr == "" {
		r.Get(s.cfg.CallbackPath, s.handleCallback)
	}
	return r
}

// CallbackRouter serves only the provider redirect, for deployments that
// register a dedicated callback listener.
func (s *Server) CallbackRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)
	r.Get(s.cfg.CallbackPath, s.handleCallback)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sources []string `json:"sources"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sources := make([]domain.Source, 0, len(req.Sources))
	for _, name := range req.Sources {
		src, err := domain.ParseSource(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sources = append(sources, src)
	}

	needsLogin := !allSessionsValid(s.status.Snapshot())
	cycleID, err := s.refresher.Trigger(orchestrator.CycleRequest{
		Sources:     sources,
		Interactive: needsLogin,
		Trigger:     "manual",
	})
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "Fetch already in progress")
		return
	case errors.Is(err, orchestrator.ErrNoSources):
		writeError(w, http.StatusBadRequest, "none of the requested sources is enabled")
		return
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		s.log.Error().Err(err).Msg("manual refresh failed to start")
		writeError(w, http.StatusInternalServerError, "failed to start refresh")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "started",
		"needs_login": needsLogin,
		"cycle_id":    cycleID,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	loginURL, err := s.logins.BeginLogin(account)
	switch {
	case errors.Is(err, auth.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, "unknown account")
		return
	case errors.Is(err, auth.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		s.log.Error().Err(err).Str("account", account).Msg("login could not start")
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if status := q.Get("status"); status != "" && status != "success" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("login was not successful: %s", status))
		return
	}
	requestToken := q.Get("request_token")
	if requestToken == "" {
		writeError(w, http.StatusBadRequest, "request_token is required")
		return
	}
	account, err := s.logins.CompleteLogin(r.Context(), q.Get("state"), requestToken)
	switch {
	case errors.Is(err, auth.ErrInvalidState), errors.Is(err, auth.ErrNoPendingLogin):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, "request token exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"account": account,
	})
}

func (s *Server) handleDataset(set, sortKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		noCache(w)
		writeJSON(w, http.StatusOK, s.data.SortedRows(set, sortKey))
	}
}

func (s *Server) handleMarketIndices(w http.ResponseWriter, r *http.Request) {
	list, err := s.indices.Get(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("market indices unavailable")
		writeError(w, http.StatusBadGateway, "market indices unavailable")
		return
	}
	out := make(map[string]domain.MarketIndex, len(list))
	for _, idx := range list {
		out[idx.Key] = idx
	}
	noCache(w)
	writeJSON(w, http.StatusOK, out)
}

func allSessionsValid(snap domain.Snapshot) bool {
	for _, ok := range snap.SessionValidity {
		if !ok {
			return false
		}
	}
	return true
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
