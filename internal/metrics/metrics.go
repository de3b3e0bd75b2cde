// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus metrics for the data server.
//
// Metrics Categories:
//   - Registry: active and limbo server counts
//   - Fill: columns written, fill failures
//   - Storage: block creations and column reads by backing, read errors,
//     advisor recommendations by placement
//   - Transport: columns delivered per follower kind, stream clients,
//     dropped UDP packets
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backing labels.
const (
	BackingMemory = "memory"
	BackingFile   = "file"
)

var (
	// Registry Metrics

	// ActiveServers is the number of live servers, including those in limbo.
	ActiveServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fftserver_active_servers",
			Help: "Number of live FFT data servers",
		},
	)

	// LimboServers is the number of released servers retained for reuse.
	LimboServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fftserver_limbo_servers",
			Help: "Number of released FFT data servers held in limbo",
		},
	)

	// Fill Metrics

	// ColumnsFilled counts columns written by fill goroutines.
	ColumnsFilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fftserver_columns_filled_total",
			Help: "Total number of spectral columns computed and stored",
		},
	)

	// FillFailures counts fill goroutines terminated by a write error.
	FillFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fftserver_fill_failures_total",
			Help: "Total number of fills stopped by a storage error",
		},
	)

	// Storage Metrics

	// BlocksCreated counts cache blocks by backing.
	BlocksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fftserver_blocks_created_total",
			Help: "Total number of cache blocks created",
		},
		[]string{"backing"},
	)

	// ColumnReads counts column reads by backing.
	ColumnReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fftserver_column_reads_total",
			Help: "Total number of column reads served",
		},
		[]string{"backing"},
	)

	// ReadErrors counts reads absorbed as "not ready" because storage failed.
	ReadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fftserver_read_errors_total",
			Help: "Total number of column reads that failed and returned zeros",
		},
	)

	// Recommendations counts storage advisor outcomes.
	Recommendations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fftserver_storage_recommendations_total",
			Help: "Total number of storage advisor recommendations by placement",
		},
		[]string{"placement"},
	)

	// Transport Metrics

	// ColumnsSent counts columns delivered by followers, by follower kind.
	ColumnsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fftserver_columns_sent_total",
			Help: "Total number of columns delivered to consumers",
		},
		[]string{"follower"},
	)

	// StreamClients is the number of connected websocket stream clients.
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fftserver_stream_clients",
			Help: "Number of connected websocket stream clients",
		},
	)

	// PacketsDropped counts UDP column packets the socket refused.
	PacketsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fftserver_udp_packets_dropped_total",
			Help: "Total number of UDP column packets that could not be sent",
		},
	)
)

// RecordBlockCreated records a new cache block.
func RecordBlockCreated(memory bool) {
	BlocksCreated.WithLabelValues(backing(memory)).Inc()
}

// RecordColumnRead records a read served from memory or file.
func RecordColumnRead(memory bool) {
	ColumnReads.WithLabelValues(backing(memory)).Inc()
}

// RecordRecommendation records an advisor placement such as "memory/compact".
func RecordRecommendation(placement string) {
	Recommendations.WithLabelValues(placement).Inc()
}

func backing(memory bool) string {
	if memory {
		return BackingMemory
	}
	return BackingFile
}
