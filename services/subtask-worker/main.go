package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/freedkr/docgather/internal/billing"
	"github.com/freedkr/docgather/internal/config"
	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/filecache"
	"github.com/freedkr/docgather/internal/llm"
	"github.com/freedkr/docgather/internal/model"
	"github.com/freedkr/docgather/internal/orchestrator"
	"github.com/freedkr/docgather/internal/queue"
	"github.com/freedkr/docgather/internal/storage"
	"github.com/freedkr/docgather/internal/subtask"
)

// queueConcurrency sizes each subtask queue's worker pool: native-helper
// and local-extraction queues run wider since they are cheap and don't
// hit a remote rate limit; LLM queues are narrower since the
// dispatcher/coalescer already gate the remote call.
var queueConcurrency = map[string]int{
	queue.QueueFormatConversion: 5,
	queue.QueuePDFPreAnalysis:   5,
	queue.QueuePDFSimpleExtract: 5,
	queue.QueueTXTSimpleExtract: 5,
	queue.QueueImageScaling:     5,
	queue.QueueImagePreFilter:   5,
	queue.QueuePDFSplitter:      3,
	queue.QueueLLMOCR:           3,
	queue.QueueLLMClassify:      3,
	queue.QueueLLMNormalize:     3,
	queue.QueueMistralCleanup:   1,
}

// SubtaskWorker runs one bounded consumer pool per subtask queue, a
// goroutine per queue slot, each blocking on Dequeue and dispatching to
// the matching worker function.
type SubtaskWorker struct {
	broker *queue.RedisBroker
	db     *database.PostgreSQLDB
	deps   *subtask.Deps
	orch   *orchestrator.Orchestrator
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	worker, err := NewSubtaskWorker(cfg)
	if err != nil {
		log.Fatalf("创建Worker失败: %v", err)
	}

	if err := worker.Start(); err != nil {
		log.Fatalf("启动Worker失败: %v", err)
	}
}

func NewSubtaskWorker(cfg *config.Config) (*SubtaskWorker, error) {
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
	gateway := buildGateway(cfg)
	orch := orchestrator.New(broker, dbFacade, storageFacade, fileCache, gateway)

	deps := &subtask.Deps{
		Storage:           storageFacade,
		FileCache:         fileCache,
		Gateway:           gateway,
		DB:                dbFacade,
		Billing:           billing.NewAccumulator(),
		Bin:               subtask.DefaultNativeBinaries(),
		FullResolutionOCR: cfg.LLM.OCR.Provider == "mistral",
	}

	return &SubtaskWorker{broker: broker, db: db, deps: deps, orch: orch}, nil
}

// buildGateway wires one Provider per task (text/vision/ocr) behind the
// shared llm.Gateway: "mistral" and "ovh" route through the rate-limited
// generic chat provider, "local"/"fly" route through the local-serialized
// provider, and OCR always targets a dedicated endpoint, optionally
// batched through the coalescer when MISTRAL_BATCH_OCR_ENABLED is set and
// the OCR provider is "mistral".
func buildGateway(cfg *config.Config) *llm.Gateway {
	cache := llm.NewCache(cfg.LLM.CacheDir, cfg.LLM.CacheEnabled)
	dispatcher := llm.NewDispatcher(cfg.LLM.MistralMaxRPS)

	apiKeyFor := func(provider string) string {
		switch provider {
		case "mistral":
			return cfg.LLM.MistralAPIKey
		case "ovh":
			return cfg.LLM.OVHAIAPIKey
		default:
			return cfg.LLM.FlyWorkerAPIKey
		}
	}

	buildChatProvider := func(ep config.ProviderEndpointConfig) llm.Provider {
		switch ep.Provider {
		case "local", "fly":
			return llm.NewLocalSerializedProvider(ep.Provider, ep.Endpoint, ep.Model, cfg.LLM.NumCtx)
		default:
			generic := llm.NewGenericProvider(ep.Provider, ep.Endpoint, apiKeyFor(ep.Provider), ep.Model)
			return &llm.RateLimitedProvider{Generic: generic, Dispatcher: dispatcher}
		}
	}

	ocrProvider := llm.NewOcrEndpointProvider(cfg.LLM.OCR.Provider, cfg.LLM.OCR.Endpoint, apiKeyFor(cfg.LLM.OCR.Provider), cfg.LLM.OCR.Model, dispatcher)
	if cfg.LLM.MistralBatchOCREnabled && cfg.LLM.OCR.Provider == "mistral" {
		ocrProvider.Coalescer = llm.NewCoalescer(llm.NewMistralBatchClient(cfg.LLM.MistralAPIKey), dispatcher)
		ocrProvider.UseCoalescer = true
	}

	return llm.NewGateway(cache, buildChatProvider(cfg.LLM.Text), buildChatProvider(cfg.LLM.Vision), ocrProvider)
}

func (w *SubtaskWorker) Start() error {
	log.Println("子任务Worker启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, q := range queue.SubtaskQueues {
		concurrency := queueConcurrency[q]
		if concurrency == 0 {
			concurrency = 2
		}
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(queueName string) {
				defer wg.Done()
				w.workLoop(ctx, queueName)
			}(q)
		}
	}

	// Seed the mistral-cleanup sweep; re-enqueues with the fixed idempotent
	// id are Enqueue no-ops while one is already live.
	_ = w.broker.Enqueue(ctx, &queue.Job{
		ID:          subtask.MistralCleanupJobID,
		Queue:       queue.QueueMistralCleanup,
		Data:        []byte("{}"),
		MaxAttempts: queue.SubtaskAttempts,
	})

	// Hourly stale sweep over the per-worker file cache: entries a document
	// left behind (e.g. after a crashed orchestrator job) age out at 24h.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.deps.FileCache.SweepStale(24 * time.Hour); err != nil {
					log.Printf("文件缓存清理失败: %v", err)
				}
			}
		}
	}()

	log.Println("子任务Worker已启动，等待任务...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭子任务Worker...")
	cancel()
	wg.Wait()
	w.cleanup()
	log.Println("子任务Worker已关闭")
	return nil
}

func (w *SubtaskWorker) workLoop(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.broker.Dequeue(ctx, queueName, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[%s] 获取任务失败: %v", queueName, err)
			continue
		}
		if job == nil {
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *SubtaskWorker) processJob(ctx context.Context, job *queue.Job) {
	result, err := w.runJob(ctx, job)
	if err != nil {
		if _, rejected := err.(*model.RejectedError); rejected {
			// Validation-style rejection, not a failure: complete with an
			// empty result so the orchestrator's zero-value read-back
			// treats it the same as an explicit empty extraction.
			if err := w.broker.Complete(ctx, job.ID, false, ""); err != nil {
				log.Printf("[%s] 标记任务完成失败: %v", job.Queue, err)
			}
			return
		}
		log.Printf("[%s] 任务%s失败: %v", job.Queue, job.ID, err)
		if err := w.broker.Retry(ctx, job, err.Error()); err != nil {
			log.Printf("[%s] 任务重试失败: %v", job.Queue, err)
		}
		return
	}

	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			log.Printf("[%s] 序列化任务结果失败: %v", job.Queue, err)
			_ = w.broker.Retry(ctx, job, err.Error())
			return
		}
		if err := w.broker.SetResult(ctx, job.ID, data); err != nil {
			log.Printf("[%s] 保存任务结果失败: %v", job.Queue, err)
			_ = w.broker.Retry(ctx, job, err.Error())
			return
		}
	}
	if err := w.broker.Complete(ctx, job.ID, false, ""); err != nil {
		log.Printf("[%s] 标记任务完成失败: %v", job.Queue, err)
	}
}

func (w *SubtaskWorker) runJob(ctx context.Context, job *queue.Job) (interface{}, error) {
	if job.Queue == queue.QueueMistralCleanup {
		return subtask.RunMistralCleanup(ctx, w.deps, w.broker)
	}

	input := &model.SubtaskInput{}
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, input); err != nil {
			return nil, model.NewSystemError("subtask-worker", "decode_input", "解析子任务输入失败", err)
		}
	}

	switch job.Queue {
	case queue.QueueFormatConversion:
		return subtask.RunFormatConversion(ctx, w.deps, input)
	case queue.QueuePDFPreAnalysis:
		return subtask.RunPDFPreAnalysis(ctx, w.deps, input)
	case queue.QueuePDFSimpleExtract:
		return subtask.RunPDFSimpleExtract(ctx, w.deps, input)
	case queue.QueueTXTSimpleExtract:
		return subtask.RunTxtSimpleExtract(ctx, w.deps, input)
	case queue.QueueImageScaling:
		return subtask.RunImageScaling(ctx, w.deps, input)
	case queue.QueueImagePreFilter:
		return subtask.RunImagePrefilter(ctx, w.deps, input)
	case queue.QueueLLMOCR:
		return subtask.RunLLMOCR(ctx, w.deps, input)
	case queue.QueueLLMClassify:
		return subtask.RunLLMClassify(ctx, w.deps, input)
	case queue.QueueLLMNormalize:
		return subtask.RunLLMNormalize(ctx, w.deps, input)
	case queue.QueuePDFSplitter:
		return subtask.RunPDFSplitter(ctx, w.deps, w.deps.DB, w.orch, input)
	default:
		return nil, model.NewSystemError("subtask-worker", "dispatch", "未知队列: "+job.Queue, nil)
	}
}

func (w *SubtaskWorker) cleanup() {
	if err := w.db.Close(); err != nil {
		log.Printf("关闭数据库失败: %v", err)
	}
	if err := w.broker.Close(); err != nil {
		log.Printf("关闭队列失败: %v", err)
	}
}
