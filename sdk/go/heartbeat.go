package sdk

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// healthReport 健康上报请求
type healthReport struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latency_ms,omitempty"`
}

// ReportHealth 上报一次健康状态
func (c *Client) ReportHealth(ctx context.Context, healthy bool) error {
	if !c.isRegistered {
		return fmt.Errorf("实例尚未注册")
	}

	_, err := c.doRequest(ctx, http.MethodPut,
		"/registry/instances/"+c.instanceID+"/health",
		healthReport{Healthy: healthy})
	if err != nil {
		return fmt.Errorf("健康上报失败: %w", err)
	}
	return nil
}

// StartHeartbeat 开始周期性健康上报
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	// 创建新的停止通道
	c.stopChan = make(chan struct{})

	// 启动心跳协程
	go func() {
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if err := c.ReportHealth(ctx, true); err != nil {
					log.Printf("心跳发送失败: %v, 将在下一个周期重试", err)
				}
				cancel()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务
func (c *Client) StopHeartbeat() {
	if c.stopChan != nil {
		close(c.stopChan)
		c.stopChan = nil
	}
}

// Close 关闭客户端，停止心跳并注销实例
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if c.isRegistered {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销实例失败: %w", err)
		}
	}
	return nil
}
