// Package metrics exposes Prometheus collectors for the filesystem core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ajaxzhan/simfs/pkg/types"
)

const namespace = "simfs"

// Label names.
const (
	LabelOp     = "op"
	LabelResult = "result"
	LabelGroup  = "gid"
	LabelKind   = "kind"
)

// Result label values.
const (
	ResultOK       = "ok"
	ResultDenied   = "denied"
	ResultQuota    = "quota_exceeded"
	ResultNotFound = "not_found"
	ResultInvalid  = "invalid"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Metrics holds the collectors.
type Metrics struct {
	opsTotal        *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	deniedTotal     *prometheus.CounterVec
	quotaUsage      *prometheus.GaugeVec
	quotaRejections *prometheus.CounterVec
	lockWait        *prometheus.HistogramVec
	locksHeld       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registry.
// If registry is nil the collectors are created but not registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Filesystem operations by result",
			},
			[]string{LabelOp, LabelResult},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Time spent inside a filesystem operation",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{LabelOp},
		),
		deniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "access",
				Name:      "denied_total",
				Help:      "Permission denials by requested operation",
			},
			[]string{LabelOp},
		),
		quotaUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "usage_bytes",
				Help:      "Bytes currently attributed to a group",
			},
			[]string{LabelGroup},
		),
		quotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "rejections_total",
				Help:      "Writes rejected because a group quota would be exceeded",
			},
			[]string{LabelGroup},
		),
		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "locks",
				Name:      "wait_duration_seconds",
				Help:      "Time spent waiting for an advisory lock",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{LabelKind},
		),
		locksHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "locks",
				Name:      "held",
				Help:      "Advisory lock handles currently held",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.opsTotal,
			m.opDuration,
			m.deniedTotal,
			m.quotaUsage,
			m.quotaRejections,
			m.lockWait,
			m.locksHeld,
		)
	}
	return m
}

// ResultOf maps an operation error to a result label.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, types.ErrPermissionDenied):
		return ResultDenied
	case errors.Is(err, types.ErrQuotaExceeded):
		return ResultQuota
	case errors.Is(err, types.ErrNotFound):
		return ResultNotFound
	case errors.Is(err, types.ErrInvalidPath), errors.Is(err, types.ErrInvalidMode),
		errors.Is(err, types.ErrInvalidArgument):
		return ResultInvalid
	case errors.Is(err, types.ErrAlreadyExists), errors.Is(err, types.ErrNotEmpty),
		errors.Is(err, types.ErrLockConflict):
		return ResultConflict
	default:
		return ResultError
	}
}

// ObserveOp records one operation and its latency.
func (m *Metrics) ObserveOp(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultOf(err)
	m.opsTotal.WithLabelValues(op, result).Inc()
	m.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if result == ResultDenied {
		var perr *types.PermissionError
		if errors.As(err, &perr) {
			m.deniedTotal.WithLabelValues(string(perr.Op)).Inc()
		} else {
			m.deniedTotal.WithLabelValues(op).Inc()
		}
	}
}

// SetQuotaUsage publishes the current usage of a group.
func (m *Metrics) SetQuotaUsage(gid uint32, bytes int64) {
	if m == nil {
		return
	}
	m.quotaUsage.WithLabelValues(strconv.FormatUint(uint64(gid), 10)).Set(float64(bytes))
}

// ObserveQuotaRejection counts a rejected reservation.
func (m *Metrics) ObserveQuotaRejection(gid uint32) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(strconv.FormatUint(uint64(gid), 10)).Inc()
}

// ObserveLockWait records how long an acquire waited.
func (m *Metrics) ObserveLockWait(kind types.LockKind, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// SetLocksHeld publishes the number of live lock handles.
func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.locksHeld.Set(float64(n))
}
