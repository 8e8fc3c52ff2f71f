package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	historyStore "github.com/hewenyu/meshkit/internal/store/breaker"
)

// Manager 按名称管理一组熔断器
// 首次访问某个名称时按默认配置创建，之后可单独覆盖配置
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	defaults Config
	history  historyStore.HistoryStore
	recorder StatsRecorder
	logger   config.Logger
	now      func() time.Time
}

// ManagerOption 管理器的可选参数
type ManagerOption func(*Manager)

// WithClock 注入时钟，仅测试使用
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRecorder 注入指标上报器
func WithRecorder(recorder StatsRecorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = recorder
	}
}

// NewManager 创建熔断器管理器，默认配置必须合法
func NewManager(defaults Config, history historyStore.HistoryStore, logger config.Logger, opts ...ManagerOption) (*Manager, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		history:  history,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Defaults 返回管理器的默认配置
func (m *Manager) Defaults() Config {
	return m.defaults
}

// Get 返回指定名称的熔断器，不存在时按默认配置创建
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, m.defaults, m.history, m.recorder, m.logger, m.now)
	m.breakers[name] = b
	m.logger.Info("创建熔断器", zap.String("breaker", name))
	return b
}

// Configure 用指定配置创建或替换熔断器
// 替换会重置状态机，已在途的调用按旧实例结算
func (m *Manager) Configure(name string, cfg Config) (*Breaker, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: 熔断器名称不能为空", errs.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := newBreaker(name, cfg, m.history, m.recorder, m.logger, m.now)
	m.breakers[name] = b
	m.logger.Info("配置熔断器",
		zap.String("breaker", name),
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout))
	return b, nil
}

// Execute 通过指定名称的熔断器执行调用
func (m *Manager) Execute(ctx context.Context, name string, fn Fn, fallback Fallback) (interface{}, error) {
	return m.Get(name).Execute(ctx, fn, fallback)
}

// Snapshots 返回所有熔断器的状态快照，按名称排序
func (m *Manager) Snapshots() []model.BreakerSnapshot {
	m.mu.Lock()
	list := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.Unlock()

	snapshots := make([]model.BreakerSnapshot, 0, len(list))
	for _, b := range list {
		snapshots = append(snapshots, b.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}

// History 查询指定熔断器的状态转换历史
func (m *Manager) History(ctx context.Context, name string, limit int) ([]*model.BreakerTransition, error) {
	return m.history.List(ctx, name, limit)
}
