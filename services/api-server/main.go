package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freedkr/docgather/internal/config"
	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/orchestrator"
	"github.com/freedkr/docgather/internal/queue"
	"github.com/freedkr/docgather/services/api-server/handlers"
	"github.com/freedkr/docgather/services/api-server/middleware"
	"github.com/gin-gonic/gin"
)

type Server struct {
	cfg      *config.Config
	db       *database.PostgreSQLDB
	broker   *queue.RedisBroker
	router   *gin.Engine
	handlers *handlers.Handlers
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("创建服务器失败: %v", err)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("服务器异常退出: %v", err)
	}
}

func NewServer(cfg *config.Config) (*Server, error) {
	ctx := context.Background()

	log.Printf("正在初始化数据库连接: host=%s db=%s", cfg.Postgres.Host, cfg.Postgres.Database)
	db, err := database.NewPostgreSQLDB(&cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	if err := db.CreateTables(ctx); err != nil {
		return nil, fmt.Errorf("创建数据库表失败: %w", err)
	}
	dbFacade := database.NewFacade(db)

	broker, err := queue.NewRedisBroker(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("初始化队列失败: %w", err)
	}

	// api-server只负责落库与入队，不运行状态机本身，因此storage/filecache/gateway留空。
	orch := orchestrator.New(broker, dbFacade, nil, nil, nil)

	h := handlers.NewHandlers(dbFacade, orch, cfg.FlyMachineVersion)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())

	router.GET("/health", h.Health)
	router.POST("/wake", h.Wake)
	router.POST("/queue", h.Queue)
	router.GET("/queue/watch/:documentId", h.Watch)

	return &Server{
		cfg:      cfg,
		db:       db,
		broker:   broker,
		router:   router,
		handlers: h,
	}, nil
}

func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("API服务器启动在 %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("启动服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("服务器关闭失败: %v", err)
		return err
	}

	if err := s.db.Close(); err != nil {
		log.Printf("关闭数据库失败: %v", err)
	}
	if err := s.broker.Close(); err != nil {
		log.Printf("关闭队列连接失败: %v", err)
	}

	log.Println("服务器已关闭")
	return nil
}
