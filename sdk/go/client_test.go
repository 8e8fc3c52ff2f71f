package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockServer 模拟meshkit API的注册和心跳端点
func newMockServer(t *testing.T) (*httptest.Server, *int64) {
	t.Helper()
	heartbeats := new(int64)

	mux := http.NewServeMux()
	mux.HandleFunc("/registry/instances", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "order-service", req["name"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    200,
			"message": "success",
			"data": map[string]interface{}{
				"instance_id":   "inst-123",
				"registered_at": time.Now().Format(time.RFC3339),
			},
		})
	})
	mux.HandleFunc("/registry/instances/inst-123/health", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		atomic.AddInt64(heartbeats, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 200, "message": "success"})
	})
	mux.HandleFunc("/registry/instances/inst-123", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 200, "message": "success"})
	})
	mux.HandleFunc("/registry/services/order-service/instances", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    200,
			"message": "success",
			"data": map[string]interface{}{
				"instances": []map[string]interface{}{
					{"id": "inst-123", "name": "order-service", "address": "10.0.0.1", "port": 8080, "is_healthy": true},
				},
				"count": 1,
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, heartbeats
}

// newTestClient 创建指向模拟服务器的客户端
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		ServerAddr:        strings.TrimPrefix(server.URL, "http://"),
		ServiceName:       "order-service",
		Version:           "1.0.0",
		Address:           "10.0.0.1",
		Port:              8080,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err, "创建客户端不应失败")
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&Config{ServiceName: "a", Address: "10.0.0.1", Port: 80})
	assert.Error(t, err, "缺少服务器地址应报错")

	_, err = NewClient(&Config{ServerAddr: "localhost:8080", Address: "10.0.0.1", Port: 80})
	assert.Error(t, err, "缺少服务名应报错")

	_, err = NewClient(&Config{ServerAddr: "localhost:8080", ServiceName: "a", Address: "10.0.0.1"})
	assert.Error(t, err, "缺少端口应报错")
}

func TestRegisterAndDeregister(t *testing.T) {
	server, _ := newMockServer(t)
	client := newTestClient(t, server)

	require.NoError(t, client.Register(context.Background()))
	assert.True(t, client.IsRegistered())
	assert.Equal(t, "inst-123", client.InstanceID())

	// 重复注册应报错
	assert.Error(t, client.Register(context.Background()))

	require.NoError(t, client.Deregister(context.Background()))
	assert.False(t, client.IsRegistered())
	assert.Empty(t, client.InstanceID())
}

func TestHeartbeatLoop(t *testing.T) {
	server, heartbeats := newMockServer(t)
	client := newTestClient(t, server)

	require.NoError(t, client.Register(context.Background()))

	client.StartHeartbeat()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(heartbeats) >= 2
	}, 2*time.Second, 10*time.Millisecond, "心跳应周期性发送")

	client.StopHeartbeat()
	sent := atomic.LoadInt64(heartbeats)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, atomic.LoadInt64(heartbeats), "停止后不应再发送心跳")
}

func TestDiscoverInstances(t *testing.T) {
	server, _ := newMockServer(t)
	client := newTestClient(t, server)

	instances, err := client.Discover(context.Background(), "order-service", nil)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "inst-123", instances[0].ID)
	assert.True(t, instances[0].IsHealthy)
}

func TestCloseDeregisters(t *testing.T) {
	server, _ := newMockServer(t)
	client := newTestClient(t, server)

	require.NoError(t, client.Register(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.False(t, client.IsRegistered())
}
