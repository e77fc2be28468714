package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lateralguard/internal/alerts"
	"lateralguard/internal/config"
	"lateralguard/internal/engine"
	"lateralguard/internal/metrics"
	"lateralguard/internal/model"
	"lateralguard/internal/storage"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
	Status() engine.Status
	History(source string) []float64
}

// Deps are the collaborators the API reads from. Store and Gatherer may be
// nil; the matching endpoints then answer 503.
type Deps struct {
	Config   *config.Manager
	Stats    *metrics.Store
	Hub      *alerts.Hub
	Store    storage.Store
	Engine   EngineControl
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status      string          `json:"status"`
	Time        string          `json:"time"`
	Version     string          `json:"version"`
	ConfigPath  string          `json:"config_path"`
	Engine      engine.Status   `json:"engine"`
	Ingest      map[string]bool `json:"ingest"`
	Capture     captureStatus   `json:"capture"`
	Storage     storageStatus   `json:"storage"`
	Detection   detection       `json:"detection"`
	Subscribers int             `json:"subscribers"`
}

type captureStatus struct {
	Enabled   bool   `json:"enabled"`
	Interface string `json:"interface,omitempty"`
	PcapFile  string `json:"pcap_file,omitempty"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

type detection struct {
	ZScoreThreshold float64 `json:"zscore_threshold"`
	FanOutMode      string  `json:"fanout_mode"`
	FanOutThreshold int     `json:"fanout_threshold"`
	FanOutWindow    string  `json:"fanout_window"`
	HistoryBucket   string  `json:"history_bucket"`
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Stats == nil {
		deps.Stats = metrics.NewStore(0)
	}
	return &Server{Deps: deps}
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	r.HandleFunc("/sources/{ip}", s.handleSource).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/config/exemptions", s.handleGetExemptions).Methods(http.MethodGet)
	r.HandleFunc("/config/exemptions", s.handlePostExemptions).Methods(http.MethodPost)
	r.HandleFunc("/admin/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/admin/clear", s.handleClear).Methods(http.MethodPost)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Start serves the API until ctx is cancelled. It returns nil, nil when the
// API is disabled.
func Start(ctx context.Context, deps Deps) (*http.Server, error) {
	if deps.Config == nil {
		return nil, errors.New("api: config manager required")
	}
	current := deps.Config.Get().API
	if !current.Enabled {
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, fmt.Errorf("api listen %s: %w", current.Addr, err)
	}
	server := NewServer(deps)
	httpServer := &http.Server{Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Logger.Error("api server error", "err", err)
		}
	}()
	server.Logger.Info("api enabled", "addr", ln.Addr().String())
	return httpServer, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Ingest: map[string]bool{
			"rest":       cfg.Ingest.REST.Enabled,
			"syslog":     cfg.Ingest.Syslog.Enabled,
			"file_tail":  cfg.Ingest.FileTail.Enabled,
			"tcp_stream": cfg.Ingest.TCPStream.Enabled,
			"kafka":      cfg.Ingest.Kafka.Enabled,
			"nats":       cfg.Ingest.NATS.Enabled,
		},
		Capture: captureStatus{
			Enabled:   cfg.Capture.Enabled,
			Interface: cfg.Capture.Interface,
			PcapFile:  cfg.Capture.PcapFile,
		},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Detection: detection{
			ZScoreThreshold: cfg.Detection.ZScoreThreshold,
			FanOutMode:      cfg.Detection.FanOut.Mode,
			FanOutThreshold: cfg.Detection.FanOut.Threshold,
			FanOutWindow:    cfg.Detection.FanOut.Window.String(),
			HistoryBucket:   cfg.Detection.History.Bucket.String(),
		},
	}
	if s.Engine != nil {
		resp.Engine = s.Engine.Status()
	}
	if s.Hub != nil {
		resp.Subscribers = s.Hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	filter := alerts.Filter{Source: q.Get("source"), Kind: model.AlertKind(q.Get("kind"))}
	var list []model.Alert
	if v := q.Get("since"); v != "" {
		ts, err := parseTime(v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.Hub.Recent().Since(ts, filter)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.Hub.Recent().List(limit, filter)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	query := storage.Query{Source: q.Get("source")}
	var err error
	if query.Limit, err = parseLimit(q.Get("limit")); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if query.Limit == 0 {
		query.Limit = 500
	}
	if v := q.Get("since"); v != "" {
		if query.Since, err = parseTime(v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("until"); v != "" {
		if query.Until, err = parseTime(v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	events, err := s.Store.Query(ctx, query)
	if err != nil {
		s.Logger.Warn("event query failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	all := s.Stats.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": all,
		"count":   len(all),
	})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	st, ok := s.Stats.Get(ip)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resp := map[string]any{"source": st}
	if s.Engine != nil {
		resp["history"] = s.Engine.History(ip)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetExemptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"exemptions": s.Config.Get().Exemptions,
	})
}

func (s *Server) handlePostExemptions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var ex config.ExemptionsConfig
	if err := json.Unmarshal(body, &ex); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ex.Sources = sanitizeList(ex.Sources)
	ex.Destinations = sanitizeList(ex.Destinations)
	for _, v := range append(append([]string{}, ex.Sources...), ex.Destinations...) {
		if _, err := config.ParseNet(v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
	}
	next := *s.Config.Get()
	next.Exemptions = ex
	if err := s.Config.Update(&next); err != nil {
		s.Logger.Error("exemptions update failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if s.Engine != nil {
		s.Engine.UpdateConfig(&next)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleClear empties in-memory views. Persisted events are kept.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20)); err == nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
			return
		}
	}
	clearers := map[string][]func(){
		"all":     {s.Stats.Clear, s.clearAlerts},
		"alerts":  {s.clearAlerts},
		"sources": {s.Stats.Clear},
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	fns, ok := clearers[target]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown target " + strconv.Quote(target)})
		return
	}
	for _, fn := range fns {
		fn()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": target})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if s.Engine != nil {
		s.Engine.Reset()
	}
	s.Stats.Clear()
	s.clearAlerts()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) clearAlerts() {
	if s.Hub != nil {
		s.Hub.Recent().Clear()
	}
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}

// parseTime accepts RFC 3339 or unix seconds.
func parseTime(v string) (time.Time, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return model.FromUnixSeconds(f), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func sanitizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
