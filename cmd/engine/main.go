package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/loandocs/cdwaterfall/catalog"
	"github.com/loandocs/cdwaterfall/fields"
	"github.com/loandocs/cdwaterfall/internal/logger"
	"github.com/loandocs/cdwaterfall/runstore"
	"github.com/loandocs/cdwaterfall/waterfall"
)

// engineState is everything derived from one catalog snapshot: the built
// graph and the evaluator registry with its compiled CEL programs. Rebuilt
// as a unit on catalog refresh; in-flight runs keep the state they started
// with.
type engineState struct {
	cat      *catalog.Catalog
	graph    *waterfall.Graph
	registry *waterfall.Registry
}

func buildEngineState(cat *catalog.Catalog) (*engineState, error) {
	graph, err := waterfall.BuildGraph(cat)
	if err != nil {
		return nil, fmt.Errorf("graph build failed: %w", err)
	}

	celEval, err := waterfall.NewCELEvaluator(cat)
	if err != nil {
		return nil, fmt.Errorf("evaluator compile failed: %w", err)
	}

	registry := waterfall.NewRegistry()
	registry.RegisterType(catalog.TypeData, celEval)
	registry.RegisterType(catalog.TypeWaterfall, celEval)

	return &engineState{cat: cat, graph: graph, registry: registry}, nil
}

type Server struct {
	db        *sql.DB
	holder    *catalog.Holder
	state     atomic.Pointer[engineState]
	runStore  *runstore.PostgresStore
	persister *runstore.Persister
	workers   int
	router    *chi.Mux
}

func NewServer(databaseURL string, workers int, persistTimeout time.Duration) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	holder, err := catalog.NewHolder(context.Background(), catalog.NewPostgresStore(db))
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	state, err := buildEngineState(holder.Current())
	if err != nil {
		return nil, err
	}

	runStore := runstore.NewPostgresStore(db)
	s := &Server{
		db:        db,
		holder:    holder,
		runStore:  runStore,
		persister: runstore.NewPersister(runStore, 3, persistTimeout),
		workers:   workers,
	}
	s.state.Store(state)

	logger.Info("catalog loaded",
		"version", state.cat.Version,
		"rules", state.cat.RuleCount(),
		"edges", len(state.cat.Edges()),
	)

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Post("/api/v1/runs", s.handleExecute)
	r.Post("/api/v1/runs/batch", s.handleExecuteBatch)
	r.Get("/api/v1/runs/{runId}", s.handleGetRun)
	r.Post("/api/v1/catalog/refresh", s.handleCatalogRefresh)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	state := s.state.Load()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"catalogVersion":   state.cat.Version,
		"rulesLoaded":      state.cat.RuleCount(),
		"runsCompleted":    logger.RunsCompleted.Load(),
		"runsManualReview": logger.RunsManualReview.Load(),
		"runsErrored":      logger.RunsErrored.Load(),
		"persistRetries":   logger.PersistRetries.Load(),
	})
}

// providerFrom materializes the request's inline field values as the run's
// field value provider.
func providerFrom(payload LoanPayload) (*fields.MapProvider, error) {
	provider := fields.NewMapProvider()
	for ownerID, values := range payload.FieldValues {
		for fieldID, fv := range values {
			v, err := fv.Value()
			if err != nil {
				return nil, fmt.Errorf("field %s/%s: %w", ownerID, fieldID, err)
			}
			provider.Set(ownerID, fieldID, v)
		}
	}
	return provider, nil
}

func taskFrom(payload LoanPayload) waterfall.Task {
	task := waterfall.Task{Loan: waterfall.LoanContext{ID: payload.LoanID}}
	for _, d := range payload.Documents {
		task.Documents = append(task.Documents, waterfall.Document{
			ID:        d.ID,
			LoanID:    payload.LoanID,
			IssueDate: d.IssueDate,
		})
	}
	return task
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.LoanID == "" {
		respondError(w, http.StatusBadRequest, "loanId is required", nil)
		return
	}

	provider, err := providerFrom(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid field values", err)
		return
	}

	state := s.state.Load()
	orch := waterfall.NewOrchestrator(state.cat, state.graph, state.registry, provider)
	pool := waterfall.NewPool(orch, s.persister, 1)

	runs := pool.Process(r.Context(), []waterfall.Task{taskFrom(req)})
	respondJSON(w, http.StatusOK, runResponse(runs[0]))
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Loans) == 0 {
		respondError(w, http.StatusBadRequest, "loans are required", nil)
		return
	}

	// All loans in a batch share one provider; owners are disjoint by ID.
	provider := fields.NewMapProvider()
	tasks := make([]waterfall.Task, 0, len(req.Loans))
	for _, payload := range req.Loans {
		if payload.LoanID == "" {
			respondError(w, http.StatusBadRequest, "loanId is required for every loan", nil)
			return
		}
		for ownerID, values := range payload.FieldValues {
			for fieldID, fv := range values {
				v, err := fv.Value()
				if err != nil {
					respondError(w, http.StatusBadRequest, "invalid field values",
						fmt.Errorf("field %s/%s: %w", ownerID, fieldID, err))
					return
				}
				provider.Set(ownerID, fieldID, v)
			}
		}
		tasks = append(tasks, taskFrom(payload))
	}

	state := s.state.Load()
	orch := waterfall.NewOrchestrator(state.cat, state.graph, state.registry, provider)
	pool := waterfall.NewPool(orch, s.persister, s.workers)

	runs := pool.Process(r.Context(), tasks)
	resp := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runResponse(run))
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": resp})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	run, err := s.runStore.GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusNotFound, "run not found", err)
		return
	}
	respondJSON(w, http.StatusOK, runResponse(run))
}

func (s *Server) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.holder.Refresh(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "catalog refresh failed", err)
		return
	}

	state, err := buildEngineState(s.holder.Current())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "engine rebuild failed", err)
		return
	}
	s.state.Store(state)

	logger.Info("catalog refreshed",
		"version", state.cat.Version,
		"rules", state.cat.RuleCount(),
	)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "refreshed",
		"catalogVersion": state.cat.Version,
		"rulesLoaded":    state.cat.RuleCount(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	workers := 4
	if ws := os.Getenv("ENGINE_WORKERS"); ws != "" {
		if n, err := strconv.Atoi(ws); err == nil && n > 0 {
			workers = n
		}
	}

	persistTimeout := 30 * time.Second
	if ts := os.Getenv("PERSIST_TIMEOUT"); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d > 0 {
			persistTimeout = d
		}
	}

	server, err := NewServer(databaseURL, workers, persistTimeout)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err.Error())
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port, "workers", workers)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err.Error())
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	_ = logger.Shutdown(ctx)
}
