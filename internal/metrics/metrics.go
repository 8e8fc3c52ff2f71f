package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// Collector 汇聚各子系统的运行指标
// 注入*prometheus.Registry而不是使用全局默认注册表，测试可以各建各的
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	breakerCalls   *prometheus.CounterVec
	breakerLatency *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec

	serviceInstances *prometheus.GaugeVec

	queueMessages *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec

	publishedMessages *prometheus.CounterVec
	appendedEvents    *prometheus.CounterVec
}

// NewCollector 创建指标收集器并注册全部指标
func NewCollector(registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshkit",
			Name:      "http_requests_total",
			Help:      "HTTP请求总数",
		}, []string{"method", "path", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshkit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP请求耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		breakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshkit",
			Name:      "breaker_calls_total",
			Help:      "经过熔断器的调用数，按结果分类",
		}, []string{"breaker", "outcome"}),
		breakerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshkit",
			Name:      "breaker_call_duration_seconds",
			Help:      "熔断器包裹调用的耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"breaker"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshkit",
			Name:      "breaker_state",
			Help:      "熔断器状态，0=CLOSED 1=OPEN 2=HALF_OPEN",
		}, []string{"breaker"}),
		serviceInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshkit",
			Name:      "registry_instances",
			Help:      "注册中心内的实例数，按健康状态分类",
		}, []string{"service", "healthy"}),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshkit",
			Name:      "queue_messages_total",
			Help:      "队列消息数，按操作分类",
		}, []string{"queue", "operation"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshkit",
			Name:      "queue_depth",
			Help:      "队列内未完结消息数",
		}, []string{"queue"}),
		publishedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshkit",
			Name:      "pubsub_published_total",
			Help:      "主题发布的消息数",
		}, []string{"topic"}),
		appendedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshkit",
			Name:      "eventstore_events_total",
			Help:      "追加到事件日志的事件数",
		}, []string{"aggregate_type"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpLatency,
		c.breakerCalls, c.breakerLatency, c.breakerState,
		c.serviceInstances,
		c.queueMessages, c.queueDepth,
		c.publishedMessages, c.appendedEvents,
	)
	return c
}

// Handler 返回/metrics端点的处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录一次HTTP请求
func (c *Collector) RecordHTTPRequest(method, path, status string, latency time.Duration) {
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpLatency.WithLabelValues(method, path).Observe(latency.Seconds())
}

// RecordBreakerCall 记录一次经过熔断器的调用
func (c *Collector) RecordBreakerCall(breakerName, outcome string, latency time.Duration) {
	c.breakerCalls.WithLabelValues(breakerName, outcome).Inc()
	if latency > 0 {
		c.breakerLatency.WithLabelValues(breakerName).Observe(latency.Seconds())
	}
}

// RecordBreakerState 记录熔断器状态转换
func (c *Collector) RecordBreakerState(breakerName string, state model.BreakerState) {
	var value float64
	switch state {
	case model.BreakerOpen:
		value = 1
	case model.BreakerHalfOpen:
		value = 2
	}
	c.breakerState.WithLabelValues(breakerName).Set(value)
}

// SetServiceInstances 更新某个服务的实例数
func (c *Collector) SetServiceInstances(service string, healthy, unhealthy int) {
	c.serviceInstances.WithLabelValues(service, "true").Set(float64(healthy))
	c.serviceInstances.WithLabelValues(service, "false").Set(float64(unhealthy))
}

// RecordQueueOperation 记录一次队列操作
func (c *Collector) RecordQueueOperation(queue, operation string) {
	c.queueMessages.WithLabelValues(queue, operation).Inc()
}

// SetQueueDepth 更新队列深度
func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordPublish 记录一次主题发布
func (c *Collector) RecordPublish(topic string) {
	c.publishedMessages.WithLabelValues(topic).Inc()
}

// RecordEventAppend 记录追加的事件数
func (c *Collector) RecordEventAppend(aggregateType string, count int) {
	c.appendedEvents.WithLabelValues(aggregateType).Add(float64(count))
}
