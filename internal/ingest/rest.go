package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"lateralguard/internal/config"
)

const maxRESTBody = 2 << 20

// RESTServer accepts connection records pushed over HTTP by collectors that
// cannot speak syslog.
type RESTServer struct {
	sink   *Sink
	logger *slog.Logger
}

func NewRESTServer(sink *Sink, logger *slog.Logger) *RESTServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RESTServer{sink: sink, logger: logger}
}

func (s *RESTServer) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeResult(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// StartREST binds the listener before returning so address conflicts are
// reported to the caller.
func StartREST(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) (*http.Server, error) {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, fmt.Errorf("rest ingest listen %s: %w", current.Addr, err)
	}
	server := NewRESTServer(sink, logger)
	httpServer := &http.Server{Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.logger.Error("rest ingest server error", "err", err)
		}
	}()
	server.logger.Info("rest ingest enabled", "addr", ln.Addr().String())
	return httpServer, nil
}

type rejected struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResult struct {
	Accepted int        `json:"accepted"`
	Failed   int        `json:"failed"`
	Rejected []rejected `json:"rejected,omitempty"`
}

// handleEvents accepts a single JSON object or an array of them. Records
// that do not normalize are reported back by position.
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRESTBody))
	if err != nil {
		writeResult(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	records, err := decodeRecords(body)
	if err != nil {
		writeResult(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var res ingestResult
	for i, rec := range records {
		fields := ParseJSONMap(rec)
		fields.Raw = "rest"
		if err := s.sink.Fields(r.Context(), fields, "rest"); err != nil {
			res.Failed++
			res.Rejected = append(res.Rejected, rejected{Index: i, Error: err.Error()})
			continue
		}
		res.Accepted++
	}

	status := http.StatusAccepted
	if res.Accepted == 0 && res.Failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeResult(w, status, res)
}

func decodeRecords(body []byte) ([]map[string]any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		return list, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return []map[string]any{obj}, nil
}

func writeResult(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
