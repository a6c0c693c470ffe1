package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/internal/core/services"
	httphandlers "vmsgate/internal/handlers/http"
	"vmsgate/internal/infrastructure/distributed"
	"vmsgate/internal/infrastructure/middleware"
	"vmsgate/internal/infrastructure/monitoring"
	wssignal "vmsgate/internal/infrastructure/signal"
	"vmsgate/internal/infrastructure/transcoder"
	"vmsgate/internal/infrastructure/upstream"
	"vmsgate/pkg/circuitbreaker"
	"vmsgate/pkg/config"
	"vmsgate/pkg/logger"
	"vmsgate/pkg/tracing"
	"vmsgate/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

var version = "dev"

func main() {
	configFlag := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	// Try multiple config paths; without any file, defaults and environment apply.
	configPath := *configFlag
	if configPath == "" {
		configPath = "configs/config.yaml"
		for _, path := range []string{"configs/config.yaml", "/etc/vmsgate/config.yaml", "config.yaml"} {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// No logger exists yet.
		os.Stderr.WriteString("vmsgate: " + err.Error() + "\n")
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.Version = version
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tracer, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Optional cross-instance event stream
	var events ports.EventPublisher = ports.NopPublisher{}
	var eventBus *distributed.EventBus
	healthChecker := monitoring.NewHealthChecker()
	if cfg.Redis.Enabled {
		redisClient, err := distributed.NewRedisClient(rootCtx, cfg, log)
		if err != nil {
			log.Warnw("redis unavailable, stream events stay local", "error", err)
		} else {
			defer redisClient.Close()
			eventBus = distributed.NewEventBus(redisClient, cfg.Redis.Channel, utils.NewInstanceID(), 0, log)
			eventBus.Start(rootCtx)
			go func() {
				_ = eventBus.Subscribe(rootCtx, func(e distributed.Event) error {
					log.Debugw("stream event from peer gateway", "instance", e.InstanceID, "type", e.Type, "guid", e.Channel)
					return nil
				})
			}()
			events = eventBus
			healthChecker.AddRedisCheck(redisClient, cfg.Monitoring.HealthTimeout)
		}
	}

	// Upstream platform
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Upstream.Breaker.FailureThreshold
	breakerCfg.Timeout = cfg.Upstream.Breaker.OpenTimeout
	transport := upstream.NewTransport(upstream.TransportConfig{
		Scheme:      cfg.Upstream.Scheme,
		Host:        cfg.Upstream.Host,
		Port:        cfg.Upstream.Port,
		MediaPort:   cfg.Upstream.MediaPort,
		InsecureTLS: cfg.Upstream.InsecureTLS,
		Timeout:     cfg.Upstream.Timeout,
		PingTimeout: cfg.Upstream.PingTimeout,
		Breaker:     breakerCfg,
	}, metrics, log)

	broker := services.NewSessionBroker(
		transport.ServiceLogin(cfg.Upstream.ServicePassword),
		transport.OperatorLogin(cfg.Upstream.OperatorLogin, cfg.Upstream.OperatorPassword),
		cfg.Upstream.SessionTTL,
		metrics,
		log,
	)
	client := upstream.NewClient(
		transport,
		broker,
		utils.FirstNonEmpty(cfg.Upstream.FallbackPassword, cfg.Upstream.ServicePassword),
		metrics,
		log,
	)

	// Stream pipeline
	ffmpeg := transcoder.New(transcoder.Config{
		Path:         cfg.Transcoder.Path,
		Quality:      cfg.Transcoder.Quality,
		VideoBitrate: cfg.Transcoder.VideoBitrate,
		Scale:        cfg.Transcoder.Scale,
	}, log)
	supervisor := services.NewStreamSupervisor(services.SupervisorConfig{
		Containers:         domain.ParseContainers(cfg.Stream.Containers),
		RelaunchContainers: domain.ParseContainers(cfg.Stream.RelaunchContainers),
		MaxRestarts:        cfg.Stream.MaxRestarts,
		RestartDelay:       cfg.Stream.RestartDelay,
		InactivityTimeout:  cfg.Stream.InactivityTimeout,
		TokenPingInterval:  cfg.Stream.TokenPingInterval,
	}, client, ffmpeg, metrics, events, log)

	resolver := services.NewPosResolver(client, cfg.Pos.ChannelTTL, cfg.Pos.TerminalTTL, log)
	poller := services.NewPosPoller(client, resolver, cfg.Pos.PollInterval, cfg.Pos.MinPollInterval, metrics, log)
	multiplexer := services.NewMultiplexer(services.MultiplexerConfig{
		ScreenshotInterval: cfg.Stream.ScreenshotInterval,
		VideoPath:          cfg.Signal.VideoPath,
	}, supervisor, client, client, poller, metrics, log)

	defaultMode, _ := domain.ParseRequestedMode(cfg.Stream.DefaultMode)
	wsServer := wssignal.NewWebSocketServer(wssignal.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		DefaultMode:    defaultMode,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		NewLimiter:     func() *rate.Limiter { return middleware.NewMessageLimiter(cfg) },
	}, multiplexer, supervisor, log)

	healthChecker.AddUpstreamCheck(client, cfg.Monitoring.HealthTimeout)
	healthChecker.AddTranscoderCheck(ffmpeg)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if !authService.Enabled() {
		log.Warn("no JWT secret configured, websocket and API routes are open")
	}

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewHealthHandler(healthChecker).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", httphandlers.MetricsHandler(registry))
		log.Info("Prometheus metrics enabled")
	}

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(authService))
	protected.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	protected.GET(cfg.Signal.VideoPath, gin.WrapF(wsServer.HandleVideo))

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(authService), middleware.RequireRole(authService, domain.RoleAdmin))
	httphandlers.NewStreamHandler(supervisor, wsServer).SetupRoutes(api)

	// A non-zero WriteTimeout also cuts websocket connections, so it defaults to none.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting vmsgate",
			"address", cfg.Server.Address,
			"upstream", cfg.Upstream.Host,
			"transcoder", ffmpeg.Available(),
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down vmsgate...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// Hijacked websocket connections survive Shutdown.
	wsServer.CloseAll()
	multiplexer.CloseAll()
	supervisor.Close()
	if eventBus != nil {
		eventBus.Close()
	}
	stopBackground()

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	log.Info("vmsgate stopped")
}
