package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/config"
)

// =============================================================================
// 🌐 HTTP 监听管理
// =============================================================================

// Config 单个监听的参数
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FromServerConfig 由服务配置生成某个端口的监听参数；port 为 0 时随机分配
func FromServerConfig(sc config.ServerConfig, port int) Config {
	c := Config{
		Addr:            fmt.Sprintf(":%d", port),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return c
}

// Manager 管理一个 HTTP 监听（api 或 metrics），只能运行一次
type Manager struct {
	name   string
	server *http.Server
	config Config
	logger *zap.Logger

	started atomic.Bool
	ready   chan struct{}

	mu   sync.RWMutex
	addr net.Addr
}

// NewManager 创建监听管理器，name 用于日志区分
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name: name,
		server: &http.Server{
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    1 << 20,
		},
		config: cfg,
		ready:  make(chan struct{}),
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
	}
}

// Run 监听并服务，阻塞到 ctx 结束或服务异常退出，随后优雅关闭。
// 适合放进 errgroup。
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s server already started", m.name)
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.mu.Lock()
	m.addr = ln.Addr()
	m.mu.Unlock()
	close(m.ready)
	m.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.server.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		m.logger.Error("HTTP server failed", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	// ctx 已取消，关闭需要独立的期限
	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("HTTP server stopped")
	return nil
}

// Ready 开始监听后关闭
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Addr 实际监听地址；未监听时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.addr != nil {
		return m.addr.String()
	}
	return m.config.Addr
}
