package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/freedkr/docgather/internal/config"
	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/filecache"
	"github.com/freedkr/docgather/internal/llm"
	"github.com/freedkr/docgather/internal/orchestrator"
	"github.com/freedkr/docgather/internal/queue"
	"github.com/freedkr/docgather/internal/storage"
)

// orchestratorConcurrency bounds the parallel per-document state machine
// consumers in this process.
const orchestratorConcurrency = 5

// OrchestratorWorker drives the reactive per-document state machine: it
// dequeues from the single orchestrator queue and hands each job to
// Orchestrator.Process, which itself loops through state transitions and
// either suspends on a Wait* state, finalizes the document, or returns an
// error for the broker's retry policy.
type OrchestratorWorker struct {
	broker  *queue.RedisBroker
	db      *database.PostgreSQLDB
	orch    *orchestrator.Orchestrator
	version string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	worker, err := NewOrchestratorWorker(cfg)
	if err != nil {
		log.Fatalf("创建Worker失败: %v", err)
	}

	if err := worker.Start(); err != nil {
		log.Fatalf("启动Worker失败: %v", err)
	}
}

func NewOrchestratorWorker(cfg *config.Config) (*OrchestratorWorker, error) {
	ctx := context.Background()

	db, err := database.NewPostgreSQLDB(&cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	if err := db.CreateTables(ctx); err != nil {
		return nil, fmt.Errorf("创建数据库表失败: %w", err)
	}
	dbFacade := database.NewFacade(db)

	minioStorage, err := storage.NewMinIOStorage(&storage.MinIOConfig{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		UseSSL:          cfg.Storage.UseSSL,
		BucketName:      cfg.Storage.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	vault, err := storage.NewVault(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("初始化密钥库失败: %w", err)
	}
	storageFacade := storage.NewFacade(minioStorage, vault, dbFacade)

	broker, err := queue.NewRedisBroker(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("初始化队列失败: %w", err)
	}

	fileCache := filecache.New("", cfg.FileCacheKeepOnDisk)

	// The orchestrator never calls an LLM itself; its Gateway slice is only
	// the provider-files delete hook used on Finalize.
	gateway := llm.NewGateway(llm.NewCache(cfg.LLM.CacheDir, cfg.LLM.CacheEnabled), nil, nil, nil)

	orch := orchestrator.New(broker, dbFacade, storageFacade, fileCache, gateway)
	if cfg.LLM.ResultsDumpEnabled {
		orch.Results = &orchestrator.ResultsDumper{
			Root:        cfg.LLM.CacheDir,
			OCRModel:    cfg.LLM.OCR.Model,
			TextModel:   cfg.LLM.Text.Model,
			VisionModel: cfg.LLM.Vision.Model,
		}
	}

	return &OrchestratorWorker{broker: broker, db: db, orch: orch, version: cfg.FlyMachineVersion}, nil
}

func (w *OrchestratorWorker) Start() error {
	log.Println("编排Worker启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < orchestratorConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.workLoop(ctx)
		}()
	}

	log.Println("编排Worker已启动，等待任务...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭编排Worker...")
	cancel()
	wg.Wait()
	w.cleanup()
	log.Println("编排Worker已关闭")
	return nil
}

func (w *OrchestratorWorker) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.broker.Dequeue(ctx, queue.Orchestrator, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("获取编排任务失败: %v", err)
			continue
		}
		if job == nil {
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *OrchestratorWorker) processJob(ctx context.Context, job *queue.Job) {
	err := w.orch.Process(ctx, job)
	if err == nil {
		return
	}
	log.Printf("文档%s编排失败: %v", job.DocumentID, err)
	if rerr := w.broker.Retry(ctx, job, err.Error()); rerr != nil {
		log.Printf("编排任务重试失败: %v", rerr)
	}

	// Once the broker reports the job terminally failed, the document must
	// not be left in processing.
	rec, gerr := w.broker.GetJob(ctx, job.ID)
	if gerr == nil && rec != nil && rec.Status == queue.StatusFailed {
		if merr := w.orch.MarkDocumentFailed(ctx, job, err.Error(), w.version); merr != nil {
			log.Printf("文档%s标记失败状态写回失败: %v", job.DocumentID, merr)
		}
	}
}

func (w *OrchestratorWorker) cleanup() {
	if err := w.db.Close(); err != nil {
		log.Printf("关闭数据库失败: %v", err)
	}
	if err := w.broker.Close(); err != nil {
		log.Printf("关闭队列失败: %v", err)
	}
}
