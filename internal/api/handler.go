package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/paystream/internal/config"
	"github.com/gyaneshwarpardhi/paystream/internal/event"
	"github.com/gyaneshwarpardhi/paystream/internal/metrics"
	"github.com/gyaneshwarpardhi/paystream/internal/store"
	"github.com/gyaneshwarpardhi/paystream/internal/transport"
)

const (
	maxBodyBytes        = 1 << 20
	defaultQueryRange   = 10 * time.Minute
	overloadUtilization = 0.8
)

// QueueReporter reports how full the processing queue is (0–1).
type QueueReporter interface {
	QueueUtilization() float64
}

// Deps are the handler's collaborators. Loader and Queue may be nil.
type Deps struct {
	Store     store.Store
	Publisher transport.Publisher
	Queue     QueueReporter
	Loader    *config.Loader
	Log       *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	mux     *http.ServeMux
	handler http.Handler
	now     func() time.Time
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	return newHandler(d)
}

func newHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	h := &Handler{Deps: d, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("GET /api/total-amount/{method}", h.totalAmount)
	h.mux.HandleFunc("GET /api/tx-count/{method}", h.txCount)
	h.mux.HandleFunc("POST /api/events/card", h.ingest(event.MethodCard, transport.SourceCard))
	h.mux.HandleFunc("POST /api/events/wallet", h.ingest(event.MethodWallet, transport.SourceWallet))
	if d.Loader != nil {
		h.mux.HandleFunc("POST /api/config/reload", h.reloadConfig)
	}
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	h.handler = loggingMiddleware(d.Log, h.mux)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

type totalResponse struct {
	Method      string      `json:"method"`
	TotalAmount json.Number `json:"totalAmount"`
}

// GET /api/total-amount/{method} : running total, 0 when nothing was applied.
func (h *Handler) totalAmount(w http.ResponseWriter, r *http.Request) {
	method := strings.ToUpper(r.PathValue("method"))
	total, _, err := h.Store.Totals().Get(r.Context(), method)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totalResponse{Method: method, TotalAmount: json.Number(total.String())})
}

type countResponse struct {
	Method  string           `json:"method"`
	From    string           `json:"from"`
	To      string           `json:"to"`
	Windows map[string]int64 `json:"windows"`
}

// GET /api/tx-count/{method}?from=&to= : window counts with start in [from, to).
// Defaults to the trailing query.default_range.
func (h *Handler) txCount(w http.ResponseWriter, r *http.Request) {
	method := strings.ToUpper(r.PathValue("method"))
	to := h.now().UTC()
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %s", err))
			return
		}
		to = t.UTC()
	}
	from := to.Add(-h.defaultRange())
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %s", err))
			return
		}
		from = t.UTC()
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	entries, err := h.Store.Windows().Scan(r.Context(), method, from, to)
	if err != nil {
		h.storeError(w, err)
		return
	}
	windows := make(map[string]int64, len(entries))
	for _, e := range entries {
		windows[e.Start.UTC().Format(time.RFC3339)] = e.Count
	}
	writeJSON(w, http.StatusOK, countResponse{
		Method:  method,
		From:    from.Format(time.RFC3339),
		To:      to.Format(time.RFC3339),
		Windows: windows,
	})
}

func (h *Handler) defaultRange() time.Duration {
	if h.Loader != nil {
		if d := h.Loader.Config().Query.DefaultRange; d > 0 {
			return d
		}
	}
	return defaultQueryRange
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotReady) || errors.Is(err, store.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("state store not ready: %s", err))
		return
	}
	h.Log.Error("query failed", "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

type ingestResponse struct {
	TransactionID string `json:"transactionId"`
	Channel       string `json:"channel"`
}

// POST /api/events/{card|wallet} : publish a source event onto its channel.
// A missing transactionId or timestamp is filled in.
func (h *Handler) ingest(method event.PaymentMethod, channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var src inbound
		switch method {
		case event.MethodCard:
			src = &cardIn{}
		default:
			src = &walletIn{}
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(src); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
			return
		}
		src.fill(h.now())

		payload, err := json.Marshal(src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Reject here what the pipeline would drop.
		if _, err := event.Decode(method, payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.Publisher.Publish(r.Context(), channel, src.TxID(), payload); err != nil {
			metrics.PublishErrors.WithLabelValues(channel).Inc()
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("publish: %s", err))
			return
		}
		writeJSON(w, http.StatusAccepted, ingestResponse{TransactionID: src.TxID(), Channel: channel})
	}
}

// inbound is a source event as posted, before defaults are filled in.
type inbound interface {
	event.Source
	fill(now time.Time)
}

type cardIn struct{ event.CardEvent }

func (c *cardIn) fill(now time.Time) {
	if c.TransactionID == "" {
		c.TransactionID = uuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = now.UTC()
	}
}

type walletIn struct{ event.WalletEvent }

func (c *walletIn) fill(now time.Time) {
	if c.TransactionID == "" {
		c.TransactionID = uuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = now.UTC()
	}
}

// POST /api/config/reload : re-read the config file and run OnChange hooks.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Loader.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":      true,
		"log_level":     cfg.Log.Level,
		"default_range": cfg.Query.DefaultRange.String(),
	})
}

// GET /healthz : always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz : 503 until the store is initialised or while the queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if !h.Store.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "store_not_ready"})
		return
	}
	var util float64
	if h.Queue != nil {
		util = h.Queue.QueueUtilization()
		metrics.QueueUtilization.Set(util)
	}
	if util > overloadUtilization {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}
