package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/teslink/internal/api/handlers"
	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/broker"
	"github.com/langchou/teslink/internal/cache"
	"github.com/langchou/teslink/internal/config"
	"github.com/langchou/teslink/internal/recorder"
	"github.com/langchou/teslink/internal/repository"
	"github.com/langchou/teslink/internal/service"
	"github.com/langchou/teslink/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting teslink", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		opts      []service.Option
		waypoints handlers.WaypointStore
		statuses  handlers.StatusStore
		latest    handlers.LatestCache
	)

	// 连接数据库（可选）
	if cfg.DatabaseURL != "" {
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")

		waypointRepo := repository.NewWaypointRepository(db)
		statusRepo := repository.NewStatusRepository(db)
		waypoints = waypointRepo
		statuses = statusRepo
		opts = append(opts,
			service.WithWaypointSink(waypointRepo),
			service.WithStatusSink(statusRepo),
			service.WithStateChangeSink(statusRepo),
		)
	}

	// 文件记录（可选）
	if cfg.DataRoot != "" {
		rec, err := recorder.NewFileRecorder(cfg.DataRoot)
		if err != nil {
			logger.Fatal("Failed to create file recorder", zap.Error(err))
		}
		opts = append(opts, service.WithWaypointSink(rec), service.WithStatusSink(rec))
		logger.Info("Recording to files", zap.String("root", cfg.DataRoot))
	}

	// Kafka（可选）
	if len(cfg.KafkaBrokers) > 0 {
		producer := broker.NewWaypointProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		opts = append(opts, service.WithWaypointSink(producer))
		logger.Info("Publishing waypoints", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	// Redis（可选）
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("Failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		store := cache.NewLatestStore(rdb, cfg.LatestTTL)
		latest = store
		opts = append(opts, service.WithWaypointSink(store))
	}

	// 加载 Token（如果存在）
	token, err := loadToken(cfg.TokenFile)
	if err != nil {
		logger.Warn("No existing token found, please authenticate", zap.Error(err))
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	storeCfg := tesla.TokenStoreConfig{
		AuthHost:   cfg.TeslaAuthHost,
		ClientID:   cfg.TeslaClientID,
		HTTPClient: httpClient,
	}
	if cfg.VerifyTokens {
		storeCfg.Verifier = tesla.NewJWKSVerifier(httpClient, cfg.TeslaAuthHost, cfg.TeslaAPIHost, cfg.TeslaClientID)
	}
	tokens := tesla.NewTokenStore(logger, storeCfg, token)

	// 刷新后写回 token 文件
	tokens.AddRefreshListener("token_file", func(_ context.Context, changes map[string]string) error {
		logger.Info("Tokens refreshed, saving", zap.Int("changed", len(changes)))
		return saveToken(cfg.TokenFile, tokens.Token())
	})

	// 创建 Tesla API 客户端
	teslaClient := tesla.NewClient(logger, cfg.TeslaAPIHost, tokens,
		tesla.WithHTTPClient(httpClient),
		tesla.WithUserAgent(cfg.UserAgent),
		tesla.WithVerbose(cfg.Verbose),
	)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)

	// 创建车辆服务
	vehicleService := service.NewVehicleService(cfg, logger, teslaClient, wsHub, opts...)
	wsHub.SetInitDataProvider(func() interface{} {
		return vehicleService.Snapshots()
	})

	// 启动车辆服务（如果已认证）
	if tokens.AccessToken() != "" {
		if err := vehicleService.Start(ctx); err != nil {
			logger.Error("Failed to start vehicle service", zap.Error(err))
		}
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, vehicleService, waypoints, statuses, latest, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 添加认证路由：导入已有的 token
	router.POST("/api/auth/token", func(c *gin.Context) {
		var req tesla.Token
		if err := c.BindJSON(&req); err != nil || req.AccessToken == "" || req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		if req.CreatedAt == 0 {
			req.CreatedAt = time.Now().Unix()
		}
		if req.ExpiresIn == 0 {
			req.ExpiresIn = 3600 * 8 // 8 小时
		}
		teslaClient.SetToken(req)

		// 保存 token
		if err := saveToken(cfg.TokenFile, req); err != nil {
			logger.Error("Failed to save token", zap.Error(err))
		}

		// 启动服务
		if err := vehicleService.Start(ctx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start service"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok", "summary": vehicleService.Summary()})
	})

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止服务
	vehicleService.Stop()

	// 保存 token
	if t := tokens.Token(); t.AccessToken != "" {
		if err := saveToken(cfg.TokenFile, t); err != nil {
			logger.Error("Failed to save token", zap.Error(err))
		}
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited", zap.String("summary", vehicleService.Summary()))
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// loadToken 加载 token
func loadToken(filename string) (tesla.Token, error) {
	var token tesla.Token
	data, err := os.ReadFile(filename)
	if err != nil {
		return token, err
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return tesla.Token{}, fmt.Errorf("decode token file: %w", err)
	}
	return token, nil
}

// saveToken 保存 token
func saveToken(filename string, token tesla.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}
