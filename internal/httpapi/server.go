package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"klinefeed/internal/metrics"
	"klinefeed/internal/pipeline"
	"klinefeed/internal/planner"
	"klinefeed/internal/reference"
	"klinefeed/internal/store"
)

// Planner previews the next backfill batch.
type Planner interface {
	Preview(ctx context.Context) (planner.Result, error)
}

// Server serves the status API.
type Server struct {
	plans     Planner
	registry  store.Registry
	runs      store.RunLog
	snapshots store.SnapshotStore
	symbols   reference.Table
	log       *slog.Logger
}

// NewServer creates a status server. runs may be nil.
func NewServer(plans Planner, registry store.Registry, runs store.RunLog,
	snapshots store.SnapshotStore, symbols reference.Table, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		plans:     plans,
		registry:  registry,
		runs:      runs,
		snapshots: snapshots,
		symbols:   symbols,
		log:       log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/plan", s.handlePlan)
	mux.HandleFunc("GET /api/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/partitions/{symbol}", s.handlePartitions)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/series/{symbol}", s.handleSeries)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	res, err := s.plans.Preview(r.Context())
	if err != nil {
		s.log.Error("previewing plan", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, toPlanResponse(res))
}

func (s *Server) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	names := s.symbols.Names()
	out := make([]SymbolJSON, 0, len(names))
	for _, name := range names {
		sym, _ := s.symbols.Lookup(name)
		out = append(out, SymbolJSON{Symbol: sym.Name, LaunchTime: sym.LaunchTime})
	}
	writeJSON(w, out)
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = pipeline.AssetWeekly
	}

	parts, err := s.registry.ListPartitions(r.Context(), asset, symbol)
	if err != nil {
		s.log.Error("listing partitions", "symbol", symbol, "asset", asset, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]PartitionJSON, len(parts))
	for i, m := range parts {
		out[i] = toPartitionJSON(m)
	}
	writeJSON(w, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, []RunJSON{})
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]RunJSON, len(runs))
	for i, run := range runs {
		out[i] = toRunJSON(run)
	}
	writeJSON(w, out)
}

// handleSeries returns the last rows of a per-symbol asset, merged by default.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	asset := r.URL.Query().Get("asset")
	switch asset {
	case "":
		asset = pipeline.AssetMerged
	case pipeline.AssetRecent, pipeline.AssetMerged, pipeline.AssetTrain:
	default:
		writeError(w, http.StatusBadRequest, "asset must be a per-symbol asset")
		return
	}

	rows, err := s.snapshots.ReadSymbol(r.Context(), asset, symbol)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, asset+" not materialized for "+symbol)
		return
	}
	if err != nil {
		s.log.Error("reading series", "symbol", symbol, "asset", asset, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tail := rows
	if limit := queryInt(r, "limit", 96); len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	resp := SeriesResponse{Symbol: symbol, Asset: asset, Total: len(rows), Rows: make([]ObservationJSON, len(tail))}
	for i, o := range tail {
		resp.Rows[i] = toObservationJSON(o)
	}
	writeJSON(w, resp)
}
