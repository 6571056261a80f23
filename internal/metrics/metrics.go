// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trafficwatch"

const (
	LabelKind     = "kind"
	LabelRoute    = "route"
	LabelTable    = "table"
	LabelResult   = "result"
	LabelLevel    = "level"
	LabelJob      = "job"
	LabelDevice   = "device"
	LabelEndpoint = "endpoint"
	LabelReason   = "reason"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Branch metrics
var (
	// RecordsRouted counts Post outcomes per kind and route (current, next, late, rejected).
	RecordsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "branch",
		Name:      "records_routed_total",
		Help:      "Total number of records classified by a branch, by route",
	}, []string{LabelKind, LabelRoute})

	// WindowSwitches counts completed window swaps per kind.
	WindowSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "branch",
		Name:      "window_switches_total",
		Help:      "Total number of window switches",
	}, []string{LabelKind})

	// BranchBacklog is the number of records waiting in the current and staged buffers.
	BranchBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "branch",
		Name:      "backlog",
		Help:      "Records buffered in the current and next window queues",
	}, []string{LabelKind})
)

// Persistence metrics
var (
	// RowsWritten counts rows handed to storage per table, by result.
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "rows_total",
		Help:      "Total number of rows written to storage, by table and result",
	}, []string{LabelTable, LabelResult})

	// BatchLatency observes the duration of each storage batch.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "batch_seconds",
		Help:      "Duration of storage batch writes",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{LabelTable})

	// PersistBacklog is the number of rows accepted but not yet written.
	PersistBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "backlog",
		Help:      "Rows waiting for a storage batch, by kind",
	}, []string{LabelKind})

	// BucketsEmitted counts aggregate buckets produced per kind and level.
	BucketsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregation",
		Name:      "buckets_total",
		Help:      "Total number of aggregate buckets emitted",
	}, []string{LabelKind, LabelLevel})
)

// Scheduler and rotation metrics
var (
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Total number of scheduled job runs, by result",
	}, []string{LabelJob, LabelResult})

	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "partition",
		Name:      "rotations_total",
		Help:      "Total number of monthly rotations, by result",
	}, []string{LabelResult})

	// RotationDegraded is 1 while the last rotation attempt failed.
	RotationDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "partition",
		Name:      "degraded",
		Help:      "1 if the last partition rotation failed",
	})
)

// Device metrics
var (
	DeviceMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "messages_total",
		Help:      "Total number of device messages, by result",
	}, []string{LabelDevice, LabelResult})

	DeviceDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "decode_errors_total",
		Help:      "Total number of device messages dropped by the decoder, by reason",
	}, []string{LabelReason})

	DeviceReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "reconnects_total",
		Help:      "Total number of device reconnect attempts",
	}, []string{LabelDevice})

	DeviceConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "connected",
		Help:      "1 while the device feed is connected",
	}, []string{LabelDevice, LabelEndpoint})
)
