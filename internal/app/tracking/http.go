package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"printfarm/internal/common/httpx"
	"printfarm/internal/common/logger"
	"printfarm/internal/config"
	"printfarm/internal/connections/database"
	"printfarm/internal/connections/rabbitmq"
	"printfarm/internal/domain"
	"printfarm/internal/presence"
	"printfarm/internal/repository"
)

// Run serves the read-only tracking surface: order status and timeline from
// the store, the live farmer presence snapshot from a private bus feed, and
// Prometheus metrics.
func Run(ctx context.Context, cfg *config.Config) error {
	lg := logger.New("tracking-service")

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	rmq, err := rabbitmq.Dial(cfg.RabbitMQ)
	if err != nil {
		return err
	}
	defer rmq.Close()
	if err := rmq.DeclareTopology(); err != nil {
		return err
	}
	feed, err := rmq.DeclarePresenceFeed()
	if err != nil {
		return err
	}

	orders := repository.NewOrdersPG(db)
	registry := presence.NewRegistry()
	consumer := presence.NewConsumer(rmq, registry, feed)

	h := &handler{orders: orders, registry: registry}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/orders/{order_id}/status", h.getStatus)
	mux.HandleFunc("GET /api/v1/orders/{order_id}/timeline", h.getTimeline)
	mux.HandleFunc("GET /api/v1/farmers/online", h.getOnlineFarmers)
	mux.Handle("GET /metrics", promhttp.Handler())

	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	lg.Info("http_listening", map[string]any{"port": cfg.HTTP.Port})
	srv := httpx.New(":"+strconv.Itoa(cfg.HTTP.Port), mux)
	serveErr := srv.Run(ctx)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	default:
	}
	return serveErr
}

type handler struct {
	orders   *repository.OrdersPG
	registry *presence.Registry
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("order_id")
	o, err := h.orders.Get(r.Context(), id)
	if errors.Is(err, domain.ErrOrderNotFound) {
		writeProblem(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	resp := map[string]any{
		"order_id":          o.ID,
		"state":             string(o.State),
		"dispatch_attempts": o.DispatchAttempts,
		"updated_at":        o.UpdatedAt,
	}
	if o.AssignedFarmer != "" {
		resp["assigned_farmer"] = o.AssignedFarmer
	}
	if o.CancelReason != "" {
		resp["cancel_reason"] = o.CancelReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("order_id")
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)
	offset := atoiDefault(r.URL.Query().Get("offset"), 0)
	changes, err := h.orders.StatusLog(r.Context(), id, limit, offset)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "events": changes})
}

func (h *handler) getOnlineFarmers(w http.ResponseWriter, r *http.Request) {
	online := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"online": online, "count": len(online)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProblem is the single error shape (simplified problem+json).
func writeProblem(w http.ResponseWriter, code int, typ, detail string) {
	writeJSON(w, code, map[string]any{
		"type":   typ,
		"title":  http.StatusText(code),
		"status": code,
		"detail": detail,
	})
}

func atoiDefault(s string, d int) int {
	if s == "" {
		return d
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return n
}
