package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tgguard/tgguard/pkg/logger"
)

var (
	MessagesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tgguard",
		Name:      "messages_deleted_total",
		Help:      "Messages confirmed deleted.",
	})
	BatchesAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tgguard",
		Name:      "batches_abandoned_total",
		Help:      "Delete batches given up after a non-throttling failure.",
	})
	Throttles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tgguard",
		Name:      "throttles_total",
		Help:      "Rate-limit rejections received from the remote API.",
	})
	ExpiryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tgguard",
		Name:      "expiry_tasks_total",
		Help:      "Expiry tasks by terminal state.",
	}, []string{"state"})
	SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tgguard",
		Name:      "sweep_runs_total",
		Help:      "Completed sweep workflows by kind.",
	}, []string{"kind"})
	ConversationsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tgguard",
		Name:      "conversations_skipped_total",
		Help:      "Conversations skipped because they were inaccessible.",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesDeleted,
		BatchesAbandoned,
		Throttles,
		ExpiryOutcomes,
		SweepRuns,
		ConversationsSkipped,
	)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.InfoCF("metrics", "Serving metrics", map[string]interface{}{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
