// Package main is the entry point for the AI orchestration hub.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	brokerapi "github.com/kandev/hub/internal/broker/api"
	brokersvc "github.com/kandev/hub/internal/broker/service"
	"github.com/kandev/hub/internal/broker/transport"
	"github.com/kandev/hub/internal/common/config"
	"github.com/kandev/hub/internal/common/logger"
	"github.com/kandev/hub/internal/events/bus"
	orchapi "github.com/kandev/hub/internal/orchestrator/api"
	"github.com/kandev/hub/internal/orchestrator/llm"
	orchsvc "github.com/kandev/hub/internal/orchestrator/service"
	"github.com/kandev/hub/internal/task/engine"
	taskapi "github.com/kandev/hub/internal/task/api"
	"github.com/kandev/hub/internal/task/repository"
	sharedapi "github.com/kandev/hub/internal/api"
	"github.com/kandev/hub/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting hub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repository.NewSQLiteRepository(cfg.DB.URL)
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	defer repo.Close()
	log.Info("opened task store", zap.String("url", cfg.DB.URL))

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	eng := engine.New(repo, eventBus, log)

	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		geminiClient, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: float32(cfg.LLM.Temperature),
			TopP:        float32(cfg.LLM.TopP),
			TopK:        float32(cfg.LLM.TopK),
		})
		if err != nil {
			log.Fatal("failed to initialize LLM client", zap.Error(err))
		}
		llmClient = geminiClient
	} else {
		log.Warn("llm.apiKey not set; conversation orchestrator will reject sends")
		llmClient = llm.DisabledClient{}
	}

	orchCfg := orchsvc.DefaultConfig()
	orch := orchsvc.New(orchCfg, llmClient, repo, eng, eventBus, log)

	ideTransport := transport.NewWSTransport(cfg.Connector.HeartbeatInterval(), log)
	broker := brokersvc.New(brokersvc.Config{
		QueueMaxSize:      cfg.Connector.QueueMaxSize,
		MaxRetries:        cfg.Connector.MaxRetries,
		DefaultTimeout:    cfg.Connector.CommandTimeout(),
		HeartbeatInterval: cfg.Connector.HeartbeatInterval(),
		RetentionWindow:   cfg.Connector.RetentionWindow(),
		SSHEnabled:        cfg.Connector.SSHEnabled,
	}, ideTransport, eventBus, log)
	defer broker.Shutdown()

	// Task cancel (spec.md:161) must also tear down this task's in-flight
	// Orchestrator send/stream and its queued/running Broker commands.
	eng.OnCancel(func(hookCtx context.Context, taskID string) {
		orch.CancelTask(taskID)
		broker.CancelByTask(hookCtx, taskID)
	})

	reaper := broker.StartReaper()
	defer reaper.Stop()

	hub, err := ws.NewHub(eventBus, log)
	if err != nil {
		log.Fatal("failed to start client socket hub", zap.Error(err))
	}
	defer hub.Close()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(sharedapi.RequestLogger(log))
	router.Use(sharedapi.Recovery(log))
	router.Use(sharedapi.CORS(cfg.CORS.AllowedOrigins, cfg.CORS.Methods, cfg.CORS.Headers))
	router.Use(sharedapi.ErrorHandler(log))

	api := router.Group("/api")
	taskapi.SetupRoutes(api, eng, log)
	orchapi.SetupRoutes(api, orch, log)
	brokerapi.SetupRoutes(api, broker, log)
	ws.SetupRoutes(api, hub, broker, orch, log)

	router.POST("/api/cursor/connect", func(c *gin.Context) {
		if err := ideTransport.HandleConnection(c.Writer, c.Request); err != nil {
			log.Warn("connector upgrade failed", zap.Error(err))
		}
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down hub")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("hub stopped")
}
