// Copyright (c) OpenMMLab. All rights reserved.

package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"oamix/logger"
	"oamix/pkg/logtail"
	"oamix/pkg/metrics"
	"oamix/pkg/stacktrace"
	"oamix/pkg/storage"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultMaxLines = 30
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	Run     RunInfo
	Logs    logtail.Interface
	Stacks  StackSource
	Storage *storage.EventStorage
}

// Server exposes the state of one node's launch over HTTP.
type Server struct {
	opts Options
}

func New(opts Options) *Server {
	return &Server{opts: opts}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/run", s.handleRun).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/stacks", s.handleStacks).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.HandleFunc("/event/webhook", s.handleWebhook).Methods(http.MethodPost)
	return router
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, lis)
}

func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute, // stack dumps of many ranks are slow
	}

	errc := make(chan error, 1)
	go func() {
		logger.Logger.Info("HTTP server listening at", zap.String("addr", lis.Addr().String()))
		errc <- httpServer.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Run)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log tail not configured")
		return
	}
	maxLines, err := intParam(r, "max_lines", defaultMaxLines)
	if err != nil || maxLines <= 0 {
		writeError(w, http.StatusBadRequest, "invalid max_lines")
		return
	}

	rankLogs, err := s.opts.Logs.GetRecentLogs(r.Context(), maxLines)
	if err != nil {
		logger.Logger.Error("GetRecentLogs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{RankLogs: rankLogs})
}

func (s *Server) handleStacks(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stacks == nil {
		writeError(w, http.StatusServiceUnavailable, "stack dump not configured")
		return
	}
	req := stacktrace.Request{
		ProcessType: r.URL.Query().Get("type"),
		Rank:        r.URL.Query().Get("rank"),
	}
	processes, err := s.opts.Stacks(req).GetProcessStacks(r.Context())
	if err != nil && len(processes) == 0 {
		logger.Logger.Error("GetProcessStacks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err != nil {
		logger.Logger.Warn("GetProcessStacks partially failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, StacksResponse{
		TotalProcesses: len(processes),
		Processes:      processes,
		SnapshotTime:   time.Now(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, "event storage not configured")
		return
	}
	q := r.URL.Query()
	minSeverity, err := intParam(r, "min_severity", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid min_severity")
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events, err := s.opts.Storage.LoadEvents(storage.EventFilter{
		Type:        q.Get("type"),
		Source:      q.Get("source"),
		RunID:       q.Get("run_id"),
		MinSeverity: int32(minSeverity),
		Unprocessed: q.Get("unprocessed") == "true",
		Peek:        q.Get("peek") == "true",
		Limit:       limit,
	})
	if err != nil {
		logger.Logger.Error("Failed to load events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []storage.EventEntry{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, "event storage not configured")
		return
	}
	var req SendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content.Text == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	_, err := s.opts.Storage.StoreEvent(storage.EventEntry{
		Source:   storage.SourceTraining,
		Type:     storage.TypeAlert,
		RunID:    s.opts.Run.RunID,
		Message:  req.Content.Text,
		Severity: storage.SeverityWarning,
	})
	if err != nil {
		logger.Logger.Error("Failed to store alert message", zap.Error(err))
		http.Error(w, "Failed to store alert message", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
