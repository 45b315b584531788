// CLAUDE:SUMMARY HTTP status surface: chi router serving health, status, run history, failures, and the Prometheus scrape.
package recolte

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/recolte/kit"
)

// statusResponse is the /v1/status body.
type statusResponse struct {
	State       RunState `json:"state"`
	Workset     int      `json:"workset"`
	Endpoint    string   `json:"endpoint"`
	Workers     int      `json:"workers"`
	Interval    string   `json:"interval"`
	LastSummary *Summary `json:"last_summary,omitempty"`
}

// Router returns the service's HTTP surface. It is read-only apart from
// the side effects of serving: passes are started by the CLI or MCP, the
// router only observes them.
func (svc *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(svc.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/v1/status", svc.handleStatus)
	r.Get("/v1/runs", svc.handleRuns)
	r.Get("/v1/runs/{id}", svc.handleRunByID)
	r.Get("/v1/failures", svc.handleFailures)
	r.Method(http.MethodGet, "/metrics", svc.metrics.handler())
	return r
}

// requestLogger logs one line per request and forwards chi's request ID
// into the context for downstream logging.
func (svc *Service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		ctx := kit.WithRequestID(r.Context(), reqID)
		svc.logger.Info("recolte: http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (svc *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, 200, svc.statusSnapshot())
}

// statusSnapshot assembles the status payload shared by HTTP and MCP.
func (svc *Service) statusSnapshot() statusResponse {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return statusResponse{
		State:       svc.state,
		Workset:     svc.workset,
		Endpoint:    svc.config.Endpoint,
		Workers:     svc.config.Workers,
		Interval:    svc.config.Interval.String(),
		LastSummary: svc.lastSummary,
	}
}

func (svc *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := svc.RecentRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, historyStatus(err), err)
		return
	}
	if runs == nil {
		runs = []*RunRecord{}
	}
	writeJSON(w, 200, runs)
}

func (svc *Service) handleRunByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := svc.RunByID(r.Context(), id)
	if err != nil {
		writeError(w, historyStatus(err), err)
		return
	}
	if rec == nil {
		writeJSON(w, 404, map[string]string{"error": "run not found: " + id})
		return
	}
	writeJSON(w, 200, rec)
}

func (svc *Service) handleFailures(w http.ResponseWriter, r *http.Request) {
	fails, err := svc.RecentFailures(r.Context(), r.URL.Query().Get("run_id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, historyStatus(err), err)
		return
	}
	if fails == nil {
		fails = []*FetchRecord{}
	}
	writeJSON(w, 200, fails)
}

// historyStatus maps journal read errors to an HTTP status: a missing
// journal is a deployment choice, not a server fault.
func historyStatus(err error) int {
	if errors.Is(err, ErrNoJournal) {
		return 503
	}
	return 500
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
