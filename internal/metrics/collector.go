// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 所有 Record* 方法对 nil 接收者安全，未配置指标时直接跳过。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 信令链路指标
	linkConnectAttempts *prometheus.CounterVec
	linkReconnects      prometheus.Counter
	linkConnected       prometheus.Gauge
	linkEvents          *prometheus.CounterVec

	// 通话指标
	callsStarted  prometheus.Counter
	callsEnded    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsRejected prometheus.Counter
	stageDuration *prometheus.HistogramVec
	stageOutcomes *prometheus.CounterVec

	// 电话指令指标
	telephonyActions        *prometheus.CounterVec
	telephonyActionDuration *prometheus.HistogramVec

	// 音频流水线指标
	pipelineRequests        *prometheus.CounterVec
	pipelineRequestDuration *prometheus.HistogramVec

	// 事件中继指标
	relayPublished *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 信令链路指标
	c.linkConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ari_connect_attempts_total",
			Help:      "Total number of ARI event stream connect attempts",
		},
		[]string{"result"},
	)

	c.linkReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ari_reconnects_total",
			Help:      "Total number of ARI event stream reconnects after a drop",
		},
	)

	c.linkConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ari_connected",
			Help:      "1 when the ARI event stream is connected",
		},
	)

	c.linkEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ari_events_total",
			Help:      "Total number of ARI events received",
		},
		[]string{"type"},
	)

	// 通话指标
	c.callsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Total number of calls accepted by the orchestrator",
		},
	)

	c.callsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of finished call workers",
		},
		[]string{"outcome"},
	)

	c.callsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of call workers currently running",
		},
	)

	c.callsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Total number of calls hung up because the worker pool was full",
		},
	)

	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_stage_duration_seconds",
			Help:      "Call stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	c.stageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_stage_outcomes_total",
			Help:      "Total number of call stage outcomes",
		},
		[]string{"stage", "outcome"},
	)

	// 电话指令指标
	c.telephonyActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telephony_actions_total",
			Help:      "Total number of telephony actions",
		},
		[]string{"action", "status"},
	)

	c.telephonyActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "telephony_action_duration_seconds",
			Help:      "Telephony action duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action"},
	)

	// 音频流水线指标
	c.pipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_requests_total",
			Help:      "Total number of audio pipeline requests",
		},
		[]string{"operation", "model", "status"},
	)

	c.pipelineRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_request_duration_seconds",
			Help:      "Audio pipeline request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation", "model"},
	)

	c.relayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_published_total",
			Help:      "Total number of lifecycle events mirrored to the relay",
		},
		[]string{"kind", "status"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔌 信令链路指标记录
// =============================================================================

// RecordLinkConnect 记录一次连接尝试
func (c *Collector) RecordLinkConnect(success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.linkConnectAttempts.WithLabelValues(result).Inc()
}

// RecordLinkReconnect 记录一次断线重连
func (c *Collector) RecordLinkReconnect() {
	if c == nil {
		return
	}
	c.linkReconnects.Inc()
}

// SetLinkConnected 设置链路连接状态
func (c *Collector) SetLinkConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.linkConnected.Set(1)
	} else {
		c.linkConnected.Set(0)
	}
}

// RecordLinkEvent 记录收到的 ARI 事件
func (c *Collector) RecordLinkEvent(eventType string) {
	if c == nil {
		return
	}
	c.linkEvents.WithLabelValues(eventType).Inc()
}

// =============================================================================
// 📞 通话指标记录
// =============================================================================

// RecordCallStarted 记录通话开始
func (c *Collector) RecordCallStarted() {
	if c == nil {
		return
	}
	c.callsStarted.Inc()
	c.callsActive.Inc()
}

// RecordCallEnded 记录通话 worker 结束
func (c *Collector) RecordCallEnded(outcome string) {
	if c == nil {
		return
	}
	c.callsEnded.WithLabelValues(outcome).Inc()
	c.callsActive.Dec()
}

// RecordCallRejected 记录因容量不足而拒绝的通话
func (c *Collector) RecordCallRejected() {
	if c == nil {
		return
	}
	c.callsRejected.Inc()
}

// RecordStage 记录通话阶段耗时与结果
func (c *Collector) RecordStage(stage, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	c.stageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// =============================================================================
// ☎️ 电话指令指标记录
// =============================================================================

// RecordTelephonyAction 记录电话指令
func (c *Collector) RecordTelephonyAction(action, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.telephonyActions.WithLabelValues(action, status).Inc()
	c.telephonyActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// =============================================================================
// 🎧 音频流水线指标记录
// =============================================================================

// RecordPipelineRequest 记录流水线请求
func (c *Collector) RecordPipelineRequest(operation, model, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.pipelineRequests.WithLabelValues(operation, model, status).Inc()
	c.pipelineRequestDuration.WithLabelValues(operation, model).Observe(duration.Seconds())
}

// RecordRelayPublish 记录事件中继发布
func (c *Collector) RecordRelayPublish(kind, status string) {
	if c == nil {
		return
	}
	c.relayPublished.WithLabelValues(kind, status).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// StatusLabel 将错误映射为 success / error 标签
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
