package metrics

import (
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels — keeps label sets small
// and stable regardless of what a broker or database driver's error
// messages actually say.
const (
	BrokerErrorTimeout     = "timeout"
	BrokerErrorRateLimit   = "rate_limit"
	BrokerErrorAuth        = "authentication"
	BrokerErrorNetwork     = "network"
	BrokerErrorInvalidReq  = "invalid_request"
	BrokerErrorServerError = "server_error"
	BrokerErrorOther       = "other"
)

// NormalizeBrokerError maps an arbitrary broker API error into the bounded
// set above, the way internal/errs classifies source/store failures by
// type rather than by message content.
func NormalizeBrokerError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return BrokerErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return BrokerErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return BrokerErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return BrokerErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return BrokerErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return BrokerErrorServerError
	default:
		return BrokerErrorOther
	}
}

// Execution account metrics, updated from internal/executor's per-request
// broker account/position snapshot (spec §4.9).
var (
	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_account_total_pnl",
		Help: "Realized-today plus unrealized P&L across broker positions, in account currency",
	})

	CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_account_current_drawdown",
		Help: "Current drawdown from peak equity as a ratio (0.0 to 1.0)",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_open_positions",
		Help: "Number of currently open positions reported by the broker",
	})

	PositionValueBySymbol = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalmesh_position_value_by_symbol",
		Help: "Open position value (quantity * avg price) by symbol",
	}, []string{"symbol"})

	OrderExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalmesh_order_execution_latency_ms",
		Help:    "Bracket order submission latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	})
)

// Broker API metrics, updated from internal/broker's Binance calls.
var (
	BrokerAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalmesh_broker_api_latency_ms",
		Help:    "Broker API call latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"broker", "endpoint"})

	BrokerAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_broker_api_errors_total",
		Help: "Total broker API errors by broker and normalized category",
	}, []string{"broker", "error_type"})
)

// Database connection pool metrics, updated from internal/db.Health.
var (
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_database_connections_idle",
		Help: "Number of idle database connections",
	})
)

// Redis-backed market data cache metrics, updated from internal/market's
// cached CoinGecko client.
var (
	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalmesh_market_cache_hit_rate",
		Help: "Market data cache hit rate as a ratio (0.0 to 1.0)",
	})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_market_cache_operations_total",
		Help: "Total number of market data cache operations by type",
	}, []string{"operation"})
)

// HTTP surface metrics, updated by HTTPMiddleware/GinMiddleware from the
// executor's and health server's request handling.
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalmesh_api_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})
)

// Audit Log Metrics, updated from internal/audit.Logger.
var (
	AuditLogOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_audit_log_operations_total",
		Help: "Total number of audit log operations by event type and status",
	}, []string{"event_type", "status"})

	AuditLogFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalmesh_audit_log_failures_total",
		Help: "Total number of audit log failures by error type",
	}, []string{"error_type", "event_type"})

	AuditLogLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalmesh_audit_log_latency_ms",
		Help:    "Audit log operation latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})
)

// RecordAPIRequest records an HTTP request with duration.
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordOrderExecution records order execution latency.
func RecordOrderExecution(durationMs float64) {
	OrderExecutionLatency.Observe(durationMs)
}

// UpdateDatabaseConnections updates database connection pool metrics.
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// UpdatePositionValue updates position value for a symbol.
func UpdatePositionValue(symbol string, value float64) {
	PositionValueBySymbol.WithLabelValues(symbol).Set(value)
}

// RecordBrokerAPICall records a broker API call with normalized error category.
func RecordBrokerAPICall(broker, endpoint string, durationMs float64, err error) {
	BrokerAPILatency.WithLabelValues(broker, endpoint).Observe(durationMs)
	if err != nil {
		BrokerAPIErrors.WithLabelValues(broker, NormalizeBrokerError(err)).Inc()
	}
}

var (
	cacheHits   int64
	cacheMisses int64
)

// RecordCacheHit records a market data cache hit and refreshes the rolling
// hit-rate gauge.
func RecordCacheHit() {
	RedisOperations.WithLabelValues("get").Inc()
	hits := atomic.AddInt64(&cacheHits, 1)
	updateCacheHitRate(hits, atomic.LoadInt64(&cacheMisses))
}

// RecordCacheMiss records a market data cache miss and refreshes the
// rolling hit-rate gauge.
func RecordCacheMiss() {
	RedisOperations.WithLabelValues("get").Inc()
	misses := atomic.AddInt64(&cacheMisses, 1)
	updateCacheHitRate(atomic.LoadInt64(&cacheHits), misses)
}

// RecordCacheWrite records a market data cache write.
func RecordCacheWrite() {
	RedisOperations.WithLabelValues("set").Inc()
}

func updateCacheHitRate(hits, misses int64) {
	total := hits + misses
	if total > 0 {
		RedisCacheHitRate.Set(float64(hits) / float64(total))
	}
}

// RecordAuditLog records an audit log operation.
func RecordAuditLog(eventType string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	AuditLogOperations.WithLabelValues(eventType, status).Inc()
	AuditLogLatency.Observe(durationMs)
}

// RecordAuditLogFailure records an audit log failure with error type.
func RecordAuditLogFailure(errorType, eventType string) {
	AuditLogFailures.WithLabelValues(errorType, eventType).Inc()
}
