package model

import (
	"fmt"
	"time"
)

// MinHealthCheckInterval 健康检查的最小间隔，防止把注册中心打爆
const MinHealthCheckInterval = 5 * time.Second

// ServiceInstance 表示一个已注册的服务实例
type ServiceInstance struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	Address             string            `json:"address"`
	Port                int               `json:"port"`
	Protocol            string            `json:"protocol"`
	IsHealthy           bool              `json:"is_healthy"`
	HealthCheckInterval time.Duration     `json:"health_check_interval"`
	Weight              int               `json:"weight"`
	Tags                []string          `json:"tags,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	RegisteredAt        time.Time         `json:"registered_at"`
	LastHealthCheck     time.Time         `json:"last_health_check"`
	DeregisteredAt      *time.Time        `json:"deregistered_at,omitempty"`
}

// Key 返回实例的唯一键，注册时据此判重
func (s *ServiceInstance) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d", s.Name, s.Version, s.Address, s.Port)
}

// Active 实例是否仍在注册表中（未注销）
func (s *ServiceInstance) Active() bool {
	return s.DeregisteredAt == nil
}

// HasTag 实例是否包含指定标签
func (s *ServiceInstance) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DiscoveryFilter 服务发现的筛选条件
type DiscoveryFilter struct {
	Version  string   `json:"version,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Matches 判断实例是否满足筛选条件
func (f *DiscoveryFilter) Matches(inst *ServiceInstance) bool {
	if f == nil {
		return true
	}
	if f.Version != "" && inst.Version != f.Version {
		return false
	}
	if f.Protocol != "" && inst.Protocol != f.Protocol {
		return false
	}
	for _, tag := range f.Tags {
		if !inst.HasTag(tag) {
			return false
		}
	}
	return true
}

// TrafficSplitRule 按版本分流的规则，权重之和必须为100
type TrafficSplitRule struct {
	ServiceName string         `json:"service_name"`
	RuleName    string         `json:"rule_name"`
	Weights     map[string]int `json:"weights"` // version -> weight
	CreatedAt   time.Time      `json:"created_at"`
}

// InstanceRegistrationRequest 实例注册请求
type InstanceRegistrationRequest struct {
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	Address             string            `json:"address"`
	Port                int               `json:"port"`
	Protocol            string            `json:"protocol,omitempty"`
	Weight              int               `json:"weight,omitempty"`
	HealthCheckInterval string            `json:"health_check_interval,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// InstanceRegistrationResponse 实例注册响应
type InstanceRegistrationResponse struct {
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HealthReportRequest 健康上报请求
type HealthReportRequest struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latency_ms,omitempty"`
}
