package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/webrunner-ai/webrunner/internal/agentloop"
	"github.com/webrunner-ai/webrunner/internal/config"
	"github.com/webrunner-ai/webrunner/internal/executor"
	"github.com/webrunner-ai/webrunner/internal/gateway"
	"github.com/webrunner-ai/webrunner/internal/health"
	"github.com/webrunner-ai/webrunner/internal/history"
	"github.com/webrunner-ai/webrunner/internal/httpapi"
	"github.com/webrunner-ai/webrunner/internal/manager"
	"github.com/webrunner-ai/webrunner/internal/parser"
	"github.com/webrunner-ai/webrunner/internal/recovery"
	"github.com/webrunner-ai/webrunner/internal/streaming"
	"github.com/webrunner-ai/webrunner/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := zap.NewAtomicLevel()
	logger, err := buildLogger(cfg.Logging, level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Hot-reload the log level when the config file changes.
	if watcher, werr := config.NewWatcher(config.Path(), logger); werr == nil {
		watcher.OnChange(func(next *config.Config) {
			if lvl, perr := zapcore.ParseLevel(next.Logging.Level); perr == nil {
				level.SetLevel(lvl)
				logger.Info("log level updated", zap.String("level", next.Logging.Level))
			}
		})
		defer watcher.Close()
	} else {
		logger.Warn("config watcher disabled", zap.Error(werr))
	}

	// Event streaming: in-memory fan-out, optionally mirrored to Redis.
	stream := streaming.NewManager(cfg.Streaming.RingCapacity)
	var pub streaming.Publisher = stream
	var redisClient *redis.Client
	if cfg.Streaming.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Streaming.RedisAddr})
		pub = streaming.NewRedisMirror(stream, redisClient, cfg.Streaming.RedisStreamTTL, logger)
		logger.Info("redis event mirror enabled", zap.String("addr", cfg.Streaming.RedisAddr))
	}

	// Capability gateway. The browser capability speaks HTTP to the driver
	// service, or a local subprocess when a command path is configured.
	router := gateway.NewRouter(logger)
	browserActions := []gateway.ActionType{
		gateway.ActionNavigate, gateway.ActionExtract, gateway.ActionClick,
		gateway.ActionFill, gateway.ActionScreenshot, gateway.ActionClose,
	}
	if cfg.Bridges.Command.Path != "" {
		router.Register(
			gateway.NewCommandBridge(cfg.Bridges.Command.Path, cfg.Bridges.Command.Timeout, logger),
			browserActions...)
		logger.Info("browser capability via subprocess", zap.String("path", cfg.Bridges.Command.Path))
	} else {
		router.Register(
			gateway.NewBrowserBridge(cfg.Bridges.Browser.BaseURL, cfg.Bridges.Browser.Timeout, logger),
			browserActions...)
	}
	router.Register(
		gateway.NewLLMBridge(cfg.Bridges.LLM.BaseURL, cfg.Bridges.LLM.Model, cfg.Bridges.LLM.Timeout, logger),
		gateway.ActionCompleteText)

	rules, err := parser.LoadRules(cfg.Parser.RulesPath)
	if err != nil {
		logger.Fatal("Failed to load parser rules", zap.Error(err))
	}

	store := task.NewStore(cfg.Tasks.MaxRetained, logger)
	store.OnEvict(stream.Forget)

	exec := executor.New(router, recovery.NewSelectorAdvisor(logger),
		parser.NewRuleParser(rules).Parse, cfg.Tasks.StepTimeout, logger)
	loop := agentloop.New(router, exec, pub, logger)
	mgr := manager.New(store, router, loop, exec, pub, cfg.Tasks, logger)

	var hist *history.Writer
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History, logger)
		if err != nil {
			logger.Fatal("Failed to initialize task history", zap.Error(err))
		}
		mgr.OnTerminal(hist.Record)
	}

	hm := health.NewManager(logger)
	if cfg.Bridges.Command.Path == "" {
		hm.Register(health.NewHTTPServiceChecker("browser_driver", cfg.Bridges.Browser.BaseURL))
	}
	hm.Register(health.NewHTTPServiceChecker("llm_service", cfg.Bridges.LLM.BaseURL))
	if redisClient != nil {
		hm.Register(health.NewRedisChecker(redisClient))
	}
	if hist != nil {
		hm.Register(health.NewDatabaseChecker(hist.DB()))
	}

	mux := http.NewServeMux()
	httpapi.NewTaskHandler(mgr, stream, hist, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(stream, logger).RegisterRoutes(mux)
	health.NewHandler(hm).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Let in-flight tasks finish so their terminal records reach history.
	mgr.Wait()
	if hist != nil {
		if err := hist.Close(); err != nil {
			logger.Error("History writer shutdown failed", zap.Error(err))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("Shutdown complete")
}

func buildLogger(cfg config.LoggingConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level.SetLevel(lvl)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
