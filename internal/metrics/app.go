// Package metrics emits application metrics through the gofulmen
// telemetry system. All emission is best-effort and nil-safe so code
// paths work unchanged when telemetry is not initialized (CLI runs).
package metrics

import (
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/observability"
)

// Application-level metrics following Prometheus conventions
var (
	// Operations metrics
	OperationsTotal       = "app_operations_total"
	OperationsErrorsTotal = "app_operations_errors_total"

	// Sync metrics
	GatherCyclesTotal    = "sync_gather_cycles_total"
	GatherPagesTotal     = "sync_gather_pages_total"
	QueueDrainTotal      = "sync_queue_drain_total"
	QueueDepthPending    = "sync_queue_depth_pending"
	QueueDepthInFlight   = "sync_queue_depth_in_flight"
	QueueDepthFailed     = "sync_queue_depth_failed"
	QuotaWindowCount     = "sync_quota_window_count"
	QuotaWindowLimit     = "sync_quota_window_limit"
	QuotaDenialsTotal    = "sync_quota_denials_total"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordOperation records an application operation with status
func RecordOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			OperationsTotal,
			1,
			map[string]string{
				"operation": operation,
				"status":    status,
			},
		)
	}
}

// RecordOperationError records an application operation error
func RecordOperationError(operation string, errorType string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			OperationsErrorsTotal,
			1,
			map[string]string{
				"operation":  operation,
				"error_type": errorType,
			},
		)
	}
}

// RecordGatherCycle records one finished gather cycle with its
// terminal state and page count.
func RecordGatherCycle(state core.GatherState, pages int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatherCyclesTotal,
			1,
			map[string]string{"state": string(state)},
		)
		_ = observability.TelemetrySystem.Counter(
			GatherPagesTotal,
			float64(pages),
			nil,
		)
	}
}

// RecordQueueDrain records one drain pass outcome.
func RecordQueueDrain(done, requeued, failed int, stopped bool) {
	if observability.TelemetrySystem == nil {
		return
	}
	status := "completed"
	if stopped {
		status = "stopped"
	}
	_ = observability.TelemetrySystem.Counter(
		QueueDrainTotal,
		1,
		map[string]string{"status": status},
	)
	_ = observability.TelemetrySystem.Counter(OperationsTotal, float64(done),
		map[string]string{"operation": "queue_unit", "status": "success"})
	_ = observability.TelemetrySystem.Counter(OperationsTotal, float64(requeued),
		map[string]string{"operation": "queue_unit", "status": "requeued"})
	_ = observability.TelemetrySystem.Counter(OperationsTotal, float64(failed),
		map[string]string{"operation": "queue_unit", "status": "failure"})
}

// SetQueueDepth publishes the queue depth gauges.
func SetQueueDepth(depth core.QueueDepth) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(QueueDepthPending, float64(depth.Pending), nil)
	_ = observability.TelemetrySystem.Gauge(QueueDepthInFlight, float64(depth.InFlight), nil)
	_ = observability.TelemetrySystem.Gauge(QueueDepthFailed, float64(depth.Failed), nil)
}

// SetQuotaWindow publishes one quota window's count and limit gauges.
func SetQuotaWindow(window core.QuotaWindow) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{"window": string(window.Kind)}
	_ = observability.TelemetrySystem.Gauge(QuotaWindowCount, float64(window.Count), labels)
	_ = observability.TelemetrySystem.Gauge(QuotaWindowLimit, float64(window.Limit), labels)
}

// RecordQuotaDenial records a denied admission.
func RecordQuotaDenial(window string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			QuotaDenialsTotal,
			1,
			map[string]string{"window": window},
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}
