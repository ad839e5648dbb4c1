// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    DataItemsPlanned = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "data_items_planned_total",
        Help: "Total number of data items moved from new to planned",
    })
    DataItemsPermanent = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "data_items_permanent_total",
        Help: "Total number of data items promoted to permanent",
    })
    DataItemsRepacked = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "data_items_repacked_total",
        Help: "Total number of data items returned to new after a bundle failure",
    })
    DataItemsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "data_items_failed_total",
        Help: "Total number of data items moved to failed",
    })
    BundlesPlanned = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "bundles_planned_total",
        Help: "Total number of bundle plans created",
    })
    BundlesPosted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "bundles_posted_total",
        Help: "Total number of bundle transactions accepted by the gateway",
    })
    BundlesSeeded = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "bundles_seeded_total",
        Help: "Total number of bundle payloads fully seeded",
    })
    BundlesPermanent = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "bundles_permanent_total",
        Help: "Total number of bundles verified as permanent",
    })
    BundlesDropped = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "bundles_dropped_total",
        Help: "Total number of seeded bundles dropped by the network",
    })
    BundlesFailedToPost = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "bundles_failed_to_post_total",
        Help: "Total number of bundles that could not be posted",
    })
    MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "queue_messages_received_total",
        Help: "Total queue messages received, by queue",
    }, []string{"queue"})
    MessagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "queue_messages_processed_total",
        Help: "Total queue messages successfully processed, by queue",
    }, []string{"queue"})
    MessageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "queue_message_errors_total",
        Help: "Total queue message handler errors, by queue",
    }, []string{"queue"})
    JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "job_duration_seconds",
        Help:    "Histogram of pipeline job durations, by job",
        Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
    }, []string{"job"})
    SchedulerOverruns = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "scheduler_overruns_total",
        Help: "Ticks skipped because the previous run was still in flight, by job",
    }, []string{"job"})
    InflightMessages = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "inflight_messages",
        Help: "Queue messages currently being processed by this process",
    })
    ConsumersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "consumers_running",
        Help: "Number of running queue consumer goroutines",
    })
)

func init() {
    prometheus.MustRegister(
        DataItemsPlanned, DataItemsPermanent, DataItemsRepacked, DataItemsFailed,
        BundlesPlanned, BundlesPosted, BundlesSeeded, BundlesPermanent, BundlesDropped, BundlesFailedToPost,
        MessagesReceived, MessagesProcessed, MessageErrors,
        JobDuration, SchedulerOverruns, InflightMessages, ConsumersRunning,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; prefer StartHTTPServer which also registers the
// health endpoints.
func StartMetricsServer(port int) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
