package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// registerRequest 实例注册请求
type registerRequest struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol,omitempty"`
	Weight   int               `json:"weight,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// registerResponse 实例注册响应
type registerResponse struct {
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Instance 发现结果中的服务实例
type Instance struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	Protocol  string            `json:"protocol"`
	IsHealthy bool              `json:"is_healthy"`
	Weight    int               `json:"weight"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DiscoverOptions 服务发现的筛选条件
type DiscoverOptions struct {
	Version  string
	Protocol string
	Tags     []string
}

// Register 把本实例注册到注册中心
func (c *Client) Register(ctx context.Context) error {
	if c.isRegistered {
		return fmt.Errorf("实例已注册，实例ID: %s", c.instanceID)
	}

	req := registerRequest{
		Name:     c.config.ServiceName,
		Version:  c.config.Version,
		Address:  c.config.Address,
		Port:     c.config.Port,
		Protocol: c.config.Protocol,
		Weight:   c.config.Weight,
		Tags:     c.config.Tags,
		Metadata: c.config.Metadata,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/registry/instances", req)
	if err != nil {
		return fmt.Errorf("实例注册失败: %w", err)
	}

	var registered registerResponse
	if err := json.Unmarshal(resp.Data, &registered); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	c.instanceID = registered.InstanceID
	c.isRegistered = true
	return nil
}

// Deregister 从注册中心注销本实例
func (c *Client) Deregister(ctx context.Context) error {
	if !c.isRegistered {
		return fmt.Errorf("实例尚未注册")
	}

	_, err := c.doRequest(ctx, http.MethodDelete, "/registry/instances/"+c.instanceID, nil)
	if err != nil {
		return fmt.Errorf("实例注销失败: %w", err)
	}

	c.isRegistered = false
	c.instanceID = ""
	return nil
}

// Discover 按服务名发现健康实例
func (c *Client) Discover(ctx context.Context, serviceName string, opts *DiscoverOptions) ([]*Instance, error) {
	path := "/registry/services/" + url.PathEscape(serviceName) + "/instances"
	if opts != nil {
		params := url.Values{}
		if opts.Version != "" {
			params.Set("version", opts.Version)
		}
		if opts.Protocol != "" {
			params.Set("protocol", opts.Protocol)
		}
		if len(opts.Tags) > 0 {
			params.Set("tags", strings.Join(opts.Tags, ","))
		}
		if encoded := params.Encode(); encoded != "" {
			path += "?" + encoded
		}
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("服务发现失败: %w", err)
	}

	var discovered struct {
		Instances []*Instance `json:"instances"`
	}
	if err := json.Unmarshal(resp.Data, &discovered); err != nil {
		return nil, fmt.Errorf("解析发现响应失败: %w", err)
	}
	return discovered.Instances, nil
}

// InstanceID 获取注册后分配的实例ID
func (c *Client) InstanceID() string {
	return c.instanceID
}

// IsRegistered 检查实例是否已注册
func (c *Client) IsRegistered() bool {
	return c.isRegistered
}
