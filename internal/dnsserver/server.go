package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/registry"
)

// Server 定义DNS发现服务器接口
// 把注册表中的健康实例暴露为<service>.<domain>的A/SRV记录
type Server interface {
	// Start 启动DNS服务器
	Start() error

	// Shutdown 优雅关闭DNS服务器
	Shutdown(ctx context.Context) error
}

// DNSServer 实现Server接口
type DNSServer struct {
	udpServer   *dns.Server
	tcpServer   *dns.Server
	cfg         *config.Config
	logger      config.Logger
	registry    registry.Service
	shutdownErr chan error
}

// NewDNSServer 创建一个新的DNS服务器
func NewDNSServer(cfg *config.Config, logger config.Logger, reg registry.Service) Server {
	return &DNSServer{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		shutdownErr: make(chan error, 2), // 用于收集UDP和TCP服务器的关闭错误
	}
}

// Start 启动DNS服务器
func (s *DNSServer) Start() error {
	s.logger.Info("启动DNS服务器",
		zap.String("address", s.cfg.DNS.ListenAddress),
		zap.Int("port", s.cfg.DNS.Port),
		zap.String("protocol", s.cfg.DNS.Protocol),
		zap.String("domain", s.cfg.DNS.Domain))

	// 创建DNS处理器
	handler := dns.NewServeMux()
	handler.HandleFunc(".", s.handleDNSRequest)

	// 创建服务器地址
	addr := net.JoinHostPort(s.cfg.DNS.ListenAddress, strconv.Itoa(s.cfg.DNS.Port))

	// 根据配置启动对应协议的服务器
	switch s.cfg.DNS.Protocol {
	case "udp":
		return s.startUDPServer(addr, handler)
	case "tcp":
		return s.startTCPServer(addr, handler)
	case "both":
		if err := s.startUDPServer(addr, handler); err != nil {
			return err
		}
		return s.startTCPServer(addr, handler)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.DNS.Protocol)
	}
}

// startUDPServer 启动UDP服务器
func (s *DNSServer) startUDPServer(addr string, handler dns.Handler) error {
	s.udpServer = &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: handler,
	}

	s.logger.Info("启动UDP DNS服务器", zap.String("addr", addr))

	// 在后台启动UDP服务器
	go func() {
		if err := s.udpServer.ListenAndServe(); err != nil {
			// miekg/dns没有ErrServerClosed，我们需要自己判断服务关闭情况
			s.logger.Error("UDP DNS服务器错误", zap.Error(err))
			s.shutdownErr <- err
		}
	}()

	return nil
}

// startTCPServer 启动TCP服务器
func (s *DNSServer) startTCPServer(addr string, handler dns.Handler) error {
	s.tcpServer = &dns.Server{
		Addr:    addr,
		Net:     "tcp",
		Handler: handler,
	}

	s.logger.Info("启动TCP DNS服务器", zap.String("addr", addr))

	// 在后台启动TCP服务器
	go func() {
		if err := s.tcpServer.ListenAndServe(); err != nil {
			// miekg/dns没有ErrServerClosed，我们需要自己判断服务关闭情况
			s.logger.Error("TCP DNS服务器错误", zap.Error(err))
			s.shutdownErr <- err
		}
	}()

	return nil
}

// Shutdown 优雅关闭DNS服务器
func (s *DNSServer) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")

	// 关闭UDP服务器
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭UDP DNS服务器出错", zap.Error(err))
			return err
		}
		s.logger.Info("UDP DNS服务器已关闭")
	}

	// 关闭TCP服务器
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭TCP DNS服务器出错", zap.Error(err))
			return err
		}
		s.logger.Info("TCP DNS服务器已关闭")
	}

	return nil
}

// handleDNSRequest 处理DNS请求
func (s *DNSServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	// 遍历所有的问题
	for _, q := range r.Question {
		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]),
			zap.String("client", w.RemoteAddr().String()))

		// 处理DNS查询
		found := s.handleQuery(q, m)

		// 如果没有找到答案，设置响应代码为 NXDOMAIN
		if !found {
			m.SetRcode(r, dns.RcodeNameError)
		}
	}

	// 发送响应
	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// handleQuery 处理单个DNS查询问题
// 支持两种名称形式：
//
//	<service>.<domain>           全部健康实例
//	<version>.<service>.<domain> 按版本筛选
func (s *DNSServer) handleQuery(q dns.Question, m *dns.Msg) bool {
	// 移除尾部的点号，并转换为小写
	domain := strings.TrimSuffix(strings.ToLower(q.Name), ".")

	serviceName, filter, ok := s.parseServiceName(domain)
	if !ok {
		return false
	}

	instances, err := s.registry.Discover(context.Background(), serviceName, filter)
	if err != nil || len(instances) == 0 {
		s.logger.Debug("DNS查询未命中任何实例",
			zap.String("domain", domain),
			zap.String("service", serviceName),
			zap.Error(err))
		return false
	}

	switch q.Qtype {
	case dns.TypeA:
		return s.appendARecords(q.Name, instances, m)
	case dns.TypeAAAA:
		return s.appendAAAARecords(q.Name, instances, m)
	case dns.TypeSRV:
		return s.appendSRVRecords(q.Name, instances, m)
	default:
		s.logger.Warn("不支持的DNS记录类型",
			zap.String("domain", domain),
			zap.String("type", dns.TypeToString[q.Qtype]))
		return false
	}
}

// parseServiceName 从查询名称中解析服务名和筛选条件
func (s *DNSServer) parseServiceName(domain string) (string, *model.DiscoveryFilter, bool) {
	suffix := strings.ToLower(strings.TrimSuffix(s.cfg.DNS.Domain, "."))
	if suffix == "" || !strings.HasSuffix(domain, "."+suffix) {
		return "", nil, false
	}

	rest := strings.TrimSuffix(domain, "."+suffix)
	labels := strings.Split(rest, ".")
	switch len(labels) {
	case 1:
		return labels[0], nil, labels[0] != ""
	case 2:
		// <version>.<service>
		return labels[1], &model.DiscoveryFilter{Version: labels[0]}, labels[0] != "" && labels[1] != ""
	default:
		return "", nil, false
	}
}

// appendARecords 为每个实例的IPv4地址追加一条A记录
func (s *DNSServer) appendARecords(name string, instances []*model.ServiceInstance, m *dns.Msg) bool {
	found := false
	for _, inst := range instances {
		ip := net.ParseIP(inst.Address)
		if ip == nil || ip.To4() == nil {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    s.recordTTL(),
			},
			A: ip.To4(),
		})
		found = true
	}
	return found
}

// appendAAAARecords 为每个实例的IPv6地址追加一条AAAA记录
func (s *DNSServer) appendAAAARecords(name string, instances []*model.ServiceInstance, m *dns.Msg) bool {
	found := false
	for _, inst := range instances {
		ip := net.ParseIP(inst.Address)
		if ip == nil || ip.To4() != nil {
			continue
		}
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeAAAA,
				Class:  dns.ClassINET,
				Ttl:    s.recordTTL(),
			},
			AAAA: ip.To16(),
		})
		found = true
	}
	return found
}

// appendSRVRecords 为每个实例追加一条SRV记录，weight取实例权重
func (s *DNSServer) appendSRVRecords(name string, instances []*model.ServiceInstance, m *dns.Msg) bool {
	for _, inst := range instances {
		weight := inst.Weight
		if weight < 0 || weight > 65535 {
			weight = 0
		}
		m.Answer = append(m.Answer, &dns.SRV{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeSRV,
				Class:  dns.ClassINET,
				Ttl:    s.recordTTL(),
			},
			Priority: 0,
			Weight:   uint16(weight),
			Port:     uint16(inst.Port),
			Target:   dns.Fqdn(inst.Address),
		})
	}
	return len(instances) > 0
}

// recordTTL 返回配置的记录TTL，未配置时用30秒
func (s *DNSServer) recordTTL() uint32 {
	if s.cfg.DNS.RecordTTL == 0 {
		return 30
	}
	return s.cfg.DNS.RecordTTL
}
