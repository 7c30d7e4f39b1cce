// Package metrics exposes Prometheus instrumentation for the engine
// and an optional standalone metrics listener.
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Queries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablekit_queries_total",
			Help: "Total number of engine operations by table and operation",
		},
		[]string{"table", "op"},
	)

	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tablekit_write_duration_seconds",
			Help:    "Duration of write transactions, commit or rollback included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	ComplexityAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablekit_complexity_aborts_total",
			Help: "Requests aborted by the complexity budget",
		},
		[]string{"table"},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablekit_validation_failures_total",
			Help: "Write payloads rejected by validation",
		},
		[]string{"table"},
	)
)

// ServerOpts configures the metrics listener.
type ServerOpts struct {
	Addr              string
	Path              string        // defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
}

func defaultServerOpts() ServerOpts {
	return ServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartServer starts a Prometheus metrics server with the given
// options. The server shuts down gracefully when ctx is canceled.
func StartServer(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, opts *ServerOpts) {
	effective := defaultServerOpts()
	if opts != nil {
		effective.Addr = cmp.Or(opts.Addr, effective.Addr)
		effective.Path = cmp.Or(opts.Path, effective.Path)
		effective.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effective.ShutdownTimeout)
		effective.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effective.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("metrics server starting", zap.String("addr", effective.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", zap.Error(err))
		}

		select {
		case <-serverClosed:
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
