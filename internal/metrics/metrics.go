// Package metrics holds the prometheus collectors of the decoding pipeline
// and the wired link.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	FramesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gombus_frames_decoded_total",
			Help: "Telegrams decoded, by frame kind and security mode.",
		},
		[]string{"kind", "mode"},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gombus_decode_errors_total",
			Help: "Telegrams rejected, by error class.",
		},
		[]string{"reason"},
	)

	RecordsDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gombus_records_decoded_total",
		Help: "Data records produced.",
	})

	UnparsedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gombus_records_unparsed_total",
		Help: "Data records with an unknown or undecodable value information block.",
	})

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gombus_compact_cache_lookups_total",
			Help: "Compact template lookups, by result.",
		},
		[]string{"result"},
	)

	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gombus_compact_cache_evictions_total",
		Help: "Compact templates evicted at capacity.",
	})

	LinkAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gombus_link_attempts_total",
		Help: "Requests written to the wired bus, retries included.",
	})

	LinkSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gombus_link_sessions_total",
			Help: "Finished link sessions, by command and final state.",
		},
		[]string{"command", "state"},
	)

	DecodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gombus_decode_duration_seconds",
		Help:    "Time spent decoding one telegram.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})
)

var registerOnce sync.Once

// Register adds every collector to reg, or to the default registry when reg
// is nil. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FramesDecoded,
			DecodeErrors,
			RecordsDecoded,
			UnparsedRecords,
			CacheLookups,
			CacheEvictions,
			LinkAttempts,
			LinkSessions,
			DecodeDuration,
		)
	})
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until the listener fails.
func Serve(addr string, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	log.WithField("addr", addr).Info("metrics server listening")
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
}
