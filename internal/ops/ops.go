// Package ops exposes the operational HTTP surface: health and readiness
// probes plus the Prometheus scrape endpoint. The business API lives behind
// the ledger store contracts and is deliberately not served here.
package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"corebank.org/internal/ledger"
	"corebank.org/internal/obs"
)

// ReadyProbe checks the dependencies a ready instance needs.
type ReadyProbe struct {
	DB *sql.DB
	// Pinger covers non-SQL dependencies (e.g. the Redis idempotency store).
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Pinger != nil {
		return rp.Pinger.Ping(ctx)
	}
	return nil
}

// API is the ops HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	proc       *ledger.Processor

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, proc *ledger.Processor) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		proc:       proc,
		rateBurst:  50,
		ratePerSec: 25,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/version", a.Version)
	a.mux.HandleFunc("/reconcile/pending", a.PendingTransactions)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetRateLimit overrides the per-IP limiter parameters.
func (a *API) SetRateLimit(burst, perSecond int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
}

// Handler returns the full middleware stack.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "corebank-ledger",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "corebank-ledger",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// PendingTransactions lists transactions left Pending after an
// infrastructure failure, for operator reconciliation. Read-only.
func (a *API) PendingTransactions(w http.ResponseWriter, r *http.Request) {
	if a.proc == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "processor not wired"})
		return
	}
	cutoff := time.Now().UTC().Add(-time.Minute)
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid older_than"})
			return
		}
		cutoff = time.Now().UTC().Add(-d)
	}
	txs, err := a.proc.PendingSince(r.Context(), cutoff)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cutoff":  cutoff.Format(time.RFC3339),
		"pending": txs,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
