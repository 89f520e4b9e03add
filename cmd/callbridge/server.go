package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/callbridge/api/handlers"
	"github.com/BaSui01/callbridge/ari"
	"github.com/BaSui01/callbridge/callbus"
	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/metrics"
	"github.com/BaSui01/callbridge/internal/relay"
	"github.com/BaSui01/callbridge/internal/server"
	"github.com/BaSui01/callbridge/internal/telemetry"
	"github.com/BaSui01/callbridge/internal/tlsutil"
	"github.com/BaSui01/callbridge/orchestrator"
	"github.com/BaSui01/callbridge/pipeline"
	"github.com/BaSui01/callbridge/session"
	"github.com/BaSui01/callbridge/telephony"
)

// =============================================================================
// 🖥️ App 组件装配
// =============================================================================

// App 持有一个 callbridge 进程的全部组件
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	bus        *callbus.Bus
	link       *ari.Link
	client     *ari.Client
	actions    *telephony.Actions
	dispatcher *callbus.Dispatcher
	store      *session.Store
	pipe       orchestrator.Pipeline
	orch       *orchestrator.Orchestrator
	relay      *relay.Relay

	health  *handlers.HealthHandler
	calls   *handlers.CallHandler
	ariAPI  *handlers.ARIHandler
	pipeAPI *handlers.PipelineHandler

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewApp 按配置装配组件，不启动任何后台任务
func NewApp(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		bus:     callbus.NewBus(logger),
		store:   session.NewStore(session.WithLogger(logger)),
	}

	dialer, err := ari.NewWebsocketDialer(cfg.ARI)
	if err != nil {
		return nil, fmt.Errorf("failed to build ari dialer: %w", err)
	}
	a.link = ari.NewLink(dialer, cfg.ARI, logger, ari.WithLinkMetrics(collector))
	tlsCfg, err := tlsutil.ClientConfig(cfg.ARI.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load ari ca: %w", err)
	}
	a.client = ari.NewClient(cfg.ARI, logger, ari.WithReadyGate(a.link), ari.WithTLSConfig(tlsCfg))
	a.actions = telephony.NewActions(a.client, cfg.Recording, logger, telephony.WithMetrics(collector))
	a.dispatcher = callbus.NewDispatcher(a.bus, logger, callbus.WithMediaHandler(a.actions))

	// 未启用流水线时必须保持 nil 接口
	if cfg.Pipeline.Enabled {
		a.pipe = pipeline.NewClient(cfg.Pipeline, logger, pipeline.WithMetrics(collector))
	}
	a.orch = orchestrator.New(cfg, a.actions, a.pipe, a.store, logger, orchestrator.WithMetrics(collector))

	if cfg.Relay.Enabled {
		r, err := relay.New(cfg.Relay, logger, relay.WithMetrics(collector))
		if err != nil {
			logger.Warn("event relay not available, continuing without it", zap.Error(err))
		} else {
			a.relay = r
		}
	}

	a.initHandlers()
	a.httpManager = server.NewManager("api", a.routes(),
		server.FromServerConfig(cfg.Server, cfg.Server.HTTPPort), logger)

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsManager = server.NewManager("metrics", mux,
			server.FromServerConfig(cfg.Server, cfg.Server.MetricsPort), logger)
	}

	return a, nil
}

func (a *App) initHandlers() {
	a.health = handlers.NewHealthHandler(a.logger, handlers.WithActiveCalls(a.orch.ActiveWorkers))
	a.health.RegisterCheck("ari", handlers.LinkCheck(a.link))
	if a.relay != nil {
		a.health.RegisterCheck("relay", a.relay.Ping)
	}

	a.calls = handlers.NewCallHandler(a.store, a.logger,
		handlers.WithCallControl(a.actions, a.cfg.Call.PlayTimeout),
		handlers.WithCallStates(a.orch),
	)
	a.ariAPI = handlers.NewARIHandler(a.link)

	dirs := append([]string{a.cfg.Recording.Directory, a.cfg.Pipeline.AudioDir}, a.cfg.Recording.ProbeDirs...)
	a.pipeAPI = handlers.NewPipelineHandler(a.pipe, a.cfg.Pipeline, a.logger,
		handlers.WithAllowedAudioDirs(dirs...))
}

// =============================================================================
// 🌐 路由
// =============================================================================

// routes 注册全部 HTTP 路由并套上中间件链
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.health.HandleHealth)
	mux.HandleFunc("GET /healthz", a.health.HandleHealthz)
	mux.HandleFunc("GET /ready", a.health.HandleReady)
	mux.HandleFunc("GET /readyz", a.health.HandleReady)
	mux.HandleFunc("GET /version", a.health.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("GET /api/v1/calls", a.calls.HandleList)
	mux.HandleFunc("GET /api/v1/calls/history", a.calls.HandleHistory)
	mux.HandleFunc("GET /api/v1/calls/{callID}", a.calls.HandleGet)
	mux.HandleFunc("POST /api/v1/calls/{callID}/play", a.calls.HandlePlay)
	mux.HandleFunc("POST /api/v1/calls/{callID}/hangup", a.calls.HandleHangup)
	mux.HandleFunc("GET /api/v1/ari/status", a.ariAPI.HandleStatus)

	mux.HandleFunc("GET /api/v1/pipeline", a.pipeAPI.HandleStatus)
	mux.HandleFunc("POST /api/v1/pipeline/transcribe", a.pipeAPI.HandleTranscribe)
	mux.HandleFunc("POST /api/v1/pipeline/text-to-speech", a.pipeAPI.HandleSpeech)
	mux.HandleFunc("POST /api/v1/pipeline/chat", a.pipeAPI.HandleChat)
	mux.HandleFunc("POST /api/v1/pipeline/process-conversation", a.pipeAPI.HandleConversation)

	// Asterisk 通过 pipeline.media_base_url 拉取合成音频
	mux.Handle("GET /audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(a.cfg.Pipeline.AudioDir))))

	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(a.logger),
		MetricsMiddleware(a.metrics),
		OTelTracing(),
		RateLimiter(a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst, a.logger),
	)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动全部后台任务，阻塞到 ctx 结束或任一任务失败，然后按序关闭：
// 先取消通话（挂断来电方需要链路在线），再断开链路并关闭事件总线。
func (a *App) Run(ctx context.Context) error {
	orchSub := a.bus.Subscribe("orchestrator", a.cfg.Call.EventBuffer)
	var relaySub *callbus.Subscription
	if a.relay != nil {
		relaySub = a.bus.Subscribe("relay", a.cfg.Call.EventBuffer)
	}

	gauges, err := telemetry.RegisterCallGauges(telemetry.CallGaugeSource{
		ActiveCalls: a.orch.ActiveWorkers,
		LinkUp:      a.link.Connected,
	})
	if err != nil {
		a.logger.Warn("otel gauges not registered", zap.Error(err))
	} else {
		defer func() { _ = gauges.Unregister() }()
	}

	// 链路比其它任务活得更久，关闭阶段还要发送挂断指令
	linkCtx, stopLink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLink()
	a.link.OnNotification(func(ev ari.Event) {
		a.dispatcher.Handle(linkCtx, ev)
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.link.Run(linkCtx) })
	g.Go(func() error { return a.orch.Run(gctx, orchSub) })
	g.Go(func() error { return a.httpManager.Run(gctx) })
	if a.metricsManager != nil {
		g.Go(func() error { return a.metricsManager.Run(gctx) })
	}
	if relaySub != nil {
		// 订阅在总线关闭时结束，保证关闭阶段的事件也能转发
		g.Go(func() error { return a.relay.Run(context.WithoutCancel(ctx), relaySub) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := a.orch.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("call workers did not stop in time", zap.Error(err))
		}
		stopLink()
		a.bus.Close()
		return nil
	})

	a.logger.Info("All components started",
		zap.Int("http_port", a.cfg.Server.HTTPPort),
		zap.Int("metrics_port", a.cfg.Server.MetricsPort),
		zap.Bool("pipeline", a.cfg.Pipeline.Enabled),
		zap.Bool("relay", a.relay != nil),
	)

	err = g.Wait()
	if a.relay != nil {
		if cerr := a.relay.Close(); cerr != nil {
			a.logger.Warn("relay close failed", zap.Error(cerr))
		}
	}
	a.logger.Info("Graceful shutdown completed")
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
