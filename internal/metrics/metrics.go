// Package metrics exposes Prometheus instrumentation for the update flow.
//
// All recorder methods are nil-safe so callers can hold a nil *UpdateMetrics
// when metrics are disabled.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry creates the process-wide registry and enables metrics.
// Calling it again returns the existing registry.
func InitRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry != nil
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// UpdateMetrics records update session activity.
type UpdateMetrics struct {
	attempts   *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	reboots    *prometheus.CounterVec
	actions    *prometheus.CounterVec
	inProgress prometheus.Gauge
}

// NewUpdateMetrics registers the update collectors on reg.
func NewUpdateMetrics(reg prometheus.Registerer) *UpdateMetrics {
	if reg == nil {
		return nil
	}

	return &UpdateMetrics{
		attempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ota_update_attempts_total",
				Help: "Resolved update sessions by mode and outcome",
			},
			[]string{"mode", "outcome"}, // upload|pull, success|failure
		),
		conflicts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ota_update_conflicts_total",
				Help: "Update requests rejected because another session was active",
			},
			[]string{"mode"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ota_update_bytes_total",
				Help: "Firmware bytes handed to the write engine",
			},
			[]string{"mode"},
		),
		reboots: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ota_reboots_scheduled_total",
				Help: "Delayed reboots scheduled by reason",
			},
			[]string{"reason"}, // update, revert, commit_timeout
		),
		actions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ota_actions_total",
				Help: "Commit and revert requests by outcome",
			},
			[]string{"action", "outcome"},
		),
		inProgress: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "ota_update_in_progress",
				Help: "1 while an update session is registered",
			},
		),
	}
}

// RecordAttempt counts a resolved session.
func (m *UpdateMetrics) RecordAttempt(mode string, success bool) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(mode, outcome(success)).Inc()
}

// RecordConflict counts a rejected admission.
func (m *UpdateMetrics) RecordConflict(mode string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(mode).Inc()
}

// AddBytes counts firmware bytes written.
func (m *UpdateMetrics) AddBytes(mode string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(mode).Add(float64(n))
}

// RecordReboot counts a scheduled reboot.
func (m *UpdateMetrics) RecordReboot(reason string) {
	if m == nil {
		return
	}
	m.reboots.WithLabelValues(reason).Inc()
}

// RecordAction counts a commit or revert request.
func (m *UpdateMetrics) RecordAction(action string, success bool) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome(success)).Inc()
}

// SetInProgress flips the in-progress gauge.
func (m *UpdateMetrics) SetInProgress(active bool) {
	if m == nil {
		return
	}
	if active {
		m.inProgress.Set(1)
	} else {
		m.inProgress.Set(0)
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
