// Package metrics holds flowkit's Prometheus collectors. Every tool
// registers and updates the metrics relevant to its own pipeline stage;
// only rwpollexec, being long-running, exposes them over HTTP.
package metrics

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// ExternalSorter / rwdedupe
	SortRunsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowkit_sort_runs_written_total",
		Help: "Number of sorted runs spilled to temp storage",
	}, []string{"tool"})

	SortMergePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowkit_sort_merge_passes_total",
		Help: "Number of multi-pass merge rounds performed",
	}, []string{"tool"})

	SortRecordsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowkit_sort_records_read_total",
		Help: "Number of input records consumed",
	}, []string{"tool"})

	SortResourceDegradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowkit_sort_resource_degradations_total",
		Help: "Number of times the sorter reduced batch size or fan-in under resource pressure",
	}, []string{"tool", "reason"})

	// Bag / BagPipeline / BagAlgebra
	BagOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowkit_bag_overflow_total",
		Help: "Number of bags that saturated at least one counter",
	}, []string{"request"})

	BagEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowkit_bag_entries",
		Help: "Live key count in a bag at write time",
	}, []string{"request"})

	// PollExec
	PollExecFilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowkit_pollexec_files_processed_total",
		Help: "Files whose command completed, by outcome",
	}, []string{"outcome"})

	PollExecActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowkit_pollexec_active_workers",
		Help: "Currently running command invocations",
	})

	PollExecForkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowkit_pollexec_fork_failures_total",
		Help: "Fork/exec failures that caused a permanent slot reduction",
	})

	PollExecQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowkit_pollexec_queue_depth",
		Help: "Files discovered but not yet dispatched to a worker",
	})
)

// Server exposes /metrics and /healthz for rwpollexec, the one long-
// running tool in the suite. The other four tools run to completion and
// have nothing to scrape.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// NewServer builds a metrics server bound to addr. addr == "" means
// metrics are disabled; callers should not call Start in that case.
func NewServer(addr string, logger *logrus.Logger) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		logger:     logger,
	}
}

// Start begins serving in the background. Errors after shutdown
// (http.ErrServerClosed) are not logged.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
