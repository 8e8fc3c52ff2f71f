package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/meshkit/internal/balancer"
	"github.com/hewenyu/meshkit/internal/breaker"
	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/eventstore"
	"github.com/hewenyu/meshkit/internal/metrics"
	"github.com/hewenyu/meshkit/internal/pubsub"
	"github.com/hewenyu/meshkit/internal/queue"
	"github.com/hewenyu/meshkit/internal/registry"
	breakerStore "github.com/hewenyu/meshkit/internal/store/breaker"
	eventStore "github.com/hewenyu/meshkit/internal/store/event"
	instanceStore "github.com/hewenyu/meshkit/internal/store/instance"
	queueStore "github.com/hewenyu/meshkit/internal/store/queue"
	topicStore "github.com/hewenyu/meshkit/internal/store/topic"
)

// newTestServer 用全内存存储搭一个完整的API服务，不启动监听
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := config.NewNopLogger()

	cfg := &config.Config{}
	cfg.API.ListenAddress = "localhost"
	cfg.API.Port = 8080

	reg := registry.NewService(instanceStore.NewMemoryStore(), registry.Options{}, logger)
	lb := balancer.New(reg, logger)

	breakers, err := breaker.NewManager(breaker.Config{
		Timeout:            time.Second,
		FailureThreshold:   3,
		SuccessThreshold:   2,
		RecoveryTimeout:    10 * time.Second,
		MaxConcurrentCalls: 4,
		StatsWindow:        time.Minute,
	}, breakerStore.NewMemoryHistoryStore(), logger)
	require.NoError(t, err, "创建熔断器管理器不应失败")

	s := NewServer(cfg, logger,
		reg, lb, breakers,
		queue.NewService(queueStore.NewMemoryStore(), logger, queue.Options{}),
		pubsub.NewBroker(topicStore.NewMemoryStore(), logger, pubsub.Options{}),
		eventstore.NewService(eventStore.NewMemoryStore(), logger, eventstore.Options{}),
		metrics.NewCollector(prometheus.NewRegistry()))

	s.server = echo.New()
	s.server.Use(s.metricsMiddleware)
	s.registerRoutes()
	return s
}

// doJSON 发送一个JSON请求并返回响应记录器
func doJSON(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

// decodeData 解析ApiResponse的data字段
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "响应应是合法JSON")
	if out != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, out), "data字段应可解析")
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "meshkit-api", response["service"])
	assert.Contains(t, response, "timestamp")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	// 先产生一次请求，计数器才会带着标签出现在输出里
	doJSON(s, http.MethodGet, "/health", nil)

	rec := doJSON(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshkit_http_requests_total", "应暴露自定义指标")
}

func TestRegisterAndDiscoverInstance(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/registry/instances", map[string]interface{}{
		"name":    "order-service",
		"version": "1.0.0",
		"address": "10.0.0.1",
		"port":    8080,
		"tags":    []string{"grpc"},
	})
	require.Equal(t, http.StatusOK, rec.Code, "注册应成功: %s", rec.Body.String())

	var registered struct {
		InstanceID string `json:"instance_id"`
	}
	decodeData(t, rec, &registered)
	require.NotEmpty(t, registered.InstanceID)

	// 按服务名发现
	rec = doJSON(s, http.MethodGet, "/registry/services/order-service/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var discovered struct {
		Count     int `json:"count"`
		Instances []struct {
			ID      string `json:"id"`
			Address string `json:"address"`
		} `json:"instances"`
	}
	decodeData(t, rec, &discovered)
	assert.Equal(t, 1, discovered.Count)
	assert.Equal(t, registered.InstanceID, discovered.Instances[0].ID)

	// 标签不匹配时不返回
	rec = doJSON(s, http.MethodGet, "/registry/services/order-service/instances?tags=http", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &discovered)
	assert.Equal(t, 0, discovered.Count)
}

func TestRegisterRejectsInvalidRequest(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/registry/instances", map[string]interface{}{
		"name": "order-service",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "缺少address和port应返回400")
}

func TestRegisterDuplicateReturnsConflict(t *testing.T) {
	s := newTestServer(t)

	body := map[string]interface{}{
		"name":    "order-service",
		"version": "1.0.0",
		"address": "10.0.0.1",
		"port":    8080,
	}
	rec := doJSON(s, http.MethodPost, "/registry/instances", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodPost, "/registry/instances", body)
	assert.Equal(t, http.StatusConflict, rec.Code, "重复注册应返回409")
}

func TestDeregisterUnknownInstanceReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodDelete, "/registry/instances/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalancerSelectAndRelease(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec := doJSON(s, http.MethodPost, "/registry/instances", map[string]interface{}{
			"name":    "pay-service",
			"version": "1.0.0",
			"address": fmt.Sprintf("10.0.0.%d", i+1),
			"port":    9000,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(s, http.MethodPost, "/balancer/pay-service/select", map[string]interface{}{
		"algorithm": "round_robin",
	})
	require.Equal(t, http.StatusOK, rec.Code, "选择实例应成功: %s", rec.Body.String())

	var inst struct {
		ID string `json:"id"`
	}
	decodeData(t, rec, &inst)
	require.NotEmpty(t, inst.ID)

	rec = doJSON(s, http.MethodPost, "/balancer/release/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		CurrentConnections int64 `json:"current_connections"`
		TotalConnections   int64 `json:"total_connections"`
	}
	decodeData(t, rec, &stats)
	assert.Equal(t, int64(0), stats.CurrentConnections, "释放后当前连接数应归零")
	assert.Equal(t, int64(1), stats.TotalConnections)
}

func TestBalancerSelectUnknownAlgorithm(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/balancer/pay-service/select", map[string]interface{}{
		"algorithm": "fastest",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalancerSelectNoInstances(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/balancer/ghost-service/select", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code, "无健康实例应返回404")
}

func TestTrafficSplitValidation(t *testing.T) {
	s := newTestServer(t)

	// 权重之和不为100
	rec := doJSON(s, http.MethodPut, "/balancer/pay-service/traffic-split", map[string]interface{}{
		"rule_name": "canary",
		"weights":   map[string]int{"1.0.0": 50, "2.0.0": 30},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(s, http.MethodPut, "/balancer/pay-service/traffic-split", map[string]interface{}{
		"rule_name": "canary",
		"weights":   map[string]int{"1.0.0": 90, "2.0.0": 10},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodDelete, "/balancer/pay-service/traffic-split", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBreakerConfigureAndSnapshot(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPut, "/breakers/payments/config", map[string]interface{}{
		"failure_threshold": 5,
		"recovery_timeout":  "30s",
		"stats_window":      "5m",
	})
	require.Equal(t, http.StatusOK, rec.Code, "配置熔断器应成功: %s", rec.Body.String())

	var snapshot struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	decodeData(t, rec, &snapshot)
	assert.Equal(t, "payments", snapshot.Name)
	assert.Equal(t, "CLOSED", snapshot.State)

	rec = doJSON(s, http.MethodGet, "/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Count int `json:"count"`
	}
	decodeData(t, rec, &list)
	assert.Equal(t, 1, list.Count)
}

func TestBreakerConfigRejectsBadDuration(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPut, "/breakers/payments/config", map[string]interface{}{
		"recovery_timeout": "soon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/queues", map[string]interface{}{
		"name":        "orders",
		"max_retries": 2,
		"retry_delay": "1s",
	})
	require.Equal(t, http.StatusOK, rec.Code, "创建队列应成功: %s", rec.Body.String())

	// 入队
	rec = doJSON(s, http.MethodPost, "/queues/orders/messages", map[string]interface{}{
		"payload": map[string]string{"order_id": "o-1"},
		"headers": map[string]string{"source": "api"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var enqueued struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeData(t, rec, &enqueued)
	assert.Equal(t, "pending", enqueued.Status)

	// 认领
	rec = doJSON(s, http.MethodPost, "/queues/orders/claim", map[string]interface{}{
		"worker_id": "worker-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var claimed struct {
		ID        string `json:"id"`
		ClaimedBy string `json:"claimed_by"`
	}
	decodeData(t, rec, &claimed)
	assert.Equal(t, enqueued.ID, claimed.ID)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)

	// 确认
	rec = doJSON(s, http.MethodPost, "/queues/messages/"+claimed.ID+"/ack", map[string]interface{}{
		"worker_id": "worker-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// 统计
	rec = doJSON(s, http.MethodGet, "/queues/orders/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Pending   int `json:"pending"`
		Completed int `json:"completed"`
	}
	decodeData(t, rec, &stats)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
}

func TestClaimEmptyQueueReturnsNoMessage(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/queues", map[string]interface{}{"name": "empty"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodPost, "/queues/empty/claim", map[string]interface{}{
		"worker_id": "worker-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, len(envelope.Data) == 0 || string(envelope.Data) == "null", "空队列认领应返回空data")
}

func TestEnqueueFullQueueReturnsTooManyRequests(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/queues", map[string]interface{}{
		"name":     "tiny",
		"max_size": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := map[string]interface{}{"payload": map[string]string{"n": "1"}}
	rec = doJSON(s, http.MethodPost, "/queues/tiny/messages", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodPost, "/queues/tiny/messages", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "队列满应返回429")
}

func TestPubSubRoundTripOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/topics", map[string]interface{}{
		"name":            "order-events",
		"partition_count": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, "创建主题应成功: %s", rec.Body.String())

	// 订阅（从最早开始）
	rec = doJSON(s, http.MethodPut, "/topics/order-events/subscriptions/billing", map[string]interface{}{
		"from": "earliest",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// 发布
	for i := 0; i < 3; i++ {
		rec = doJSON(s, http.MethodPost, "/topics/order-events/messages", map[string]interface{}{
			"key":     "order-1",
			"payload": map[string]int{"seq": i},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// 拉取
	rec = doJSON(s, http.MethodPost, "/topics/order-events/subscriptions/billing/poll", map[string]interface{}{
		"batch": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Watermark int64 `json:"watermark"`
		Messages  []struct {
			Offset int64 `json:"offset"`
		} `json:"messages"`
	}
	decodeData(t, rec, &result)
	require.Len(t, result.Messages, 3)
	assert.Equal(t, int64(1), result.Messages[0].Offset)
	assert.Equal(t, int64(3), result.Watermark)

	// 提交进度后再拉取应为空
	rec = doJSON(s, http.MethodPost, "/topics/order-events/subscriptions/billing/commit", map[string]interface{}{
		"offset": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodPost, "/topics/order-events/subscriptions/billing/poll", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &result)
	assert.Empty(t, result.Messages)
}

func TestPublishToUnknownTopicReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/topics/ghost/messages", map[string]interface{}{
		"payload": map[string]string{"k": "v"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStoreAppendAndLoadOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/aggregates/order-1/events", map[string]interface{}{
		"aggregate_type":   "order",
		"expected_version": 0,
		"events": []map[string]interface{}{
			{"event_type": "OrderCreated", "data": map[string]string{"sku": "a"}},
			{"event_type": "OrderPaid", "data": map[string]string{"amount": "10"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, "追加事件应成功: %s", rec.Body.String())

	var appended struct {
		Count  int `json:"count"`
		Events []struct {
			EventVersion int64 `json:"event_version"`
		} `json:"events"`
	}
	decodeData(t, rec, &appended)
	require.Equal(t, 2, appended.Count)
	assert.Equal(t, int64(1), appended.Events[0].EventVersion)
	assert.Equal(t, int64(2), appended.Events[1].EventVersion)

	// 版本冲突
	rec = doJSON(s, http.MethodPost, "/aggregates/order-1/events", map[string]interface{}{
		"aggregate_type":   "order",
		"expected_version": 0,
		"events": []map[string]interface{}{
			{"event_type": "OrderCancelled", "data": map[string]string{}},
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "过期的expected_version应返回409")

	// 加载聚合
	rec = doJSON(s, http.MethodGet, "/aggregates/order-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state struct {
		CurrentVersion int64 `json:"current_version"`
		Events         []struct {
			EventType string `json:"event_type"`
		} `json:"events"`
	}
	decodeData(t, rec, &state)
	assert.Equal(t, int64(2), state.CurrentVersion)
	require.Len(t, state.Events, 2)
	assert.Equal(t, "OrderCreated", state.Events[0].EventType)

	// 全局事件流
	rec = doJSON(s, http.MethodGet, "/events/stream?after=0&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stream struct {
		Count int `json:"count"`
	}
	decodeData(t, rec, &stream)
	assert.Equal(t, 2, stream.Count)
}

func TestLoadUnknownAggregateReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodGet, "/aggregates/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStartAndShutdown(t *testing.T) {
	s := newTestServer(t)
	// 使用随机端口避免冲突
	s.cfg.API.Port = 0

	require.NoError(t, s.Start())
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
