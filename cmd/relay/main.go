package main

import (
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.fans.relay/internal/chat"
	"sudooom.fans.relay/internal/config"
	"sudooom.fans.relay/internal/connection"
	"sudooom.fans.relay/internal/health"
	fansNats "sudooom.fans.relay/internal/nats"
	"sudooom.fans.relay/internal/protocol"
	fansRedis "sudooom.fans.relay/internal/redis"
	"sudooom.fans.relay/internal/server"
	"sudooom.fans.relay/internal/store"
	"sudooom.fans.relay/internal/timer"
	"sudooom.fans.relay/pkg/jwt"
	"sudooom.fans.relay/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 NATS
	natsClient, err := fansNats.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 连接 Redis
	redisClient := fansRedis.NewClient(cfg.Redis, cfg.Server.NodeID)
	defer redisClient.Close()
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr())

	// 存储:配置了数据库用 Postgres,否则退化为内存存储 (开发模式)
	var (
		convStore store.ConversationStore
		tracker   store.StatusTracker
		db        *pgxpool.Pool
	)
	if cfg.Database.Host != "" {
		db, err = connectDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

		pg := store.NewPostgresStore(db)
		convStore, tracker = pg, pg
	} else {
		logger.Warn("No database configured, using in-memory store")
		mem := store.NewMemoryStore()
		convStore, tracker = mem, mem
	}

	// 消息 ID 生成
	node, err := snowflake.NewNode(snowflakeNodeID(cfg.Server.NodeID))
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	// 定时器调度器 (未应答 offer 的过期清理)
	sched := timer.NewScheduler(4)
	if err := sched.Start(); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	// 协议处理器与消息分发服务互相依赖,先建处理器再补注入
	jwtService := jwt.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire)
	connMgr := connection.NewManager()
	handler := protocol.NewHandler(
		connMgr, natsClient, redisClient, jwtService,
		sched, cfg.Call.OfferTimeout,
		cfg.Server.NodeID, logger,
	)
	chatSvc := chat.NewService(convStore, tracker, redisClient, redisClient, handler, node)
	handler.SetChatService(chatSvc)

	// 创建并启动服务器
	srv := server.New(cfg, connMgr, handler, natsClient, logger)
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 启动健康检查 HTTP 服务
	go startHealthServer(cfg, natsClient, redisClient, db, connMgr, logger)

	logger.Info("Relay server started",
		"addr", cfg.Server.Addr,
		"node_id", cfg.Server.NodeID)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()
	srv.Shutdown()
	logger.Info("Server stopped")
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// snowflakeNodeID 把节点名散列到雪花节点区间
func snowflakeNodeID(nodeID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(nodeID))
	return int64(h.Sum32() % 1024)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startHealthServer 启动健康检查 HTTP 服务
func startHealthServer(
	cfg *config.Config,
	natsClient *fansNats.Client,
	redisClient *fansRedis.Client,
	db *pgxpool.Pool,
	connCounter health.ConnectionCounter,
	logger *slog.Logger,
) {
	healthChecker := health.NewChecker(natsClient, redisClient, db, connCounter)

	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if healthChecker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})

	addr := cfg.Server.HealthAddr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Info("Health check server started", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health check server failed", "error", err)
	}
}
