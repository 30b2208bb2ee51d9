// Package app 按配置装配存储、流水线、会话层与 HTTP 路由。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/retriever"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/config"
	"github.com/zhouzirui/xinqiao/backend/internal/handler"
	"github.com/zhouzirui/xinqiao/backend/internal/memory"
	"github.com/zhouzirui/xinqiao/backend/internal/observability"
	"github.com/zhouzirui/xinqiao/backend/internal/pipeline"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	"github.com/zhouzirui/xinqiao/backend/internal/service/ai"
	chatService "github.com/zhouzirui/xinqiao/backend/internal/service/chat"
	emotionservice "github.com/zhouzirui/xinqiao/backend/internal/service/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
	"github.com/zhouzirui/xinqiao/backend/internal/store"
	"github.com/zhouzirui/xinqiao/backend/internal/store/gormstore"
	"github.com/zhouzirui/xinqiao/backend/internal/store/memstore"
	"github.com/zhouzirui/xinqiao/backend/internal/stream"
)

// App 持有装配完成的全部组件。
type App struct {
	Config       *config.Config
	Log          *logger.Logger
	Store        store.Store
	Memory       *memory.Manager
	Risk         *risk.Classifier
	Reranker     *retrieval.Reranker
	Orchestrator *pipeline.Orchestrator
	Chat         *chatService.Service
	Router       http.Handler

	health  []func(context.Context) error
	closers []func(context.Context) error
}

// New 装配应用。可选依赖（大模型、知识检索、Redis）缺失时降级运行并记录警告。
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.Observability.ServiceName,
		Stdout:      cfg.Observability.TracesStdout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	if err := a.wireStore(cfg.Storage); err != nil {
		a.Close(ctx)
		return nil, err
	}

	chatModel := a.wireChatModel(ctx, cfg.AI)
	emotionSvc, err := emotionservice.NewService(ctx, chatModel, emotionservice.Config{
		Enabled:      cfg.AI.EmotionLLMEnabled,
		HistoryLimit: cfg.AI.EmotionHistoryLimit,
	}, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init emotion service: %w", err)
	}
	if emotionSvc.Enabled() {
		log.Info("emotion classifier enabled")
	}

	var completer ai.CompletionService
	if chatModel != nil {
		completer = ai.NewChatModelCompleter(chatModel)
	}

	riskOpts, err := cfg.Risk.ClassifierOptions()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Risk = risk.NewClassifier(riskOpts...)

	rerankOpts := []retrieval.RerankOption{
		retrieval.WithTopN(cfg.Pipeline.RerankTopN),
		retrieval.WithMinCandidates(cfg.Pipeline.RerankMinCandidates),
		retrieval.WithRerankLogger(log),
	}
	if cfg.Pipeline.SegmentTokenizer {
		seg := retrieval.NewSegmentTokenizer()
		if err := seg.Load(); err != nil {
			log.Warn("segment dictionary unavailable, using unicode tokenizer", "error", err)
		} else {
			rerankOpts = append(rerankOpts, retrieval.WithTokenizer(seg))
		}
	}
	a.Reranker = retrieval.NewReranker(rerankOpts...)

	orch, err := pipeline.New(pipeline.Stages{
		Intent:     pipeline.NewIntentStage(),
		Risk:       pipeline.NewRiskStage(a.Risk),
		Retrieve:   pipeline.NewRetrieveStage(retrieval.NewSearcher(a.wireIndex(cfg.Knowledge), cfg.Pipeline.RetrievalK, cfg.Pipeline.MinScore, log)),
		Rerank:     pipeline.NewRerankStage(a.Reranker),
		Synthesize: pipeline.NewSynthesizeStage(ai.NewSynthesizer(completer, emotionSvc, log)),
	},
		pipeline.WithDefaultTimeout(cfg.Pipeline.Timeout),
		pipeline.WithMaxInputRunes(cfg.Pipeline.MaxInputRunes),
		pipeline.WithRerankMinCandidates(cfg.Pipeline.RerankMinCandidates),
		pipeline.WithRerankTopN(cfg.Pipeline.RerankTopN),
		pipeline.WithLogger(log),
	)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	a.Orchestrator = orch

	emitterOpts := []stream.Option{stream.WithLogger(log)}
	if sink := a.wireRedis(ctx, cfg.Redis); sink != nil {
		emitterOpts = append(emitterOpts, stream.WithSink(sink))
	}

	a.Memory = memory.NewManager(a.Store, memory.Config{
		HydrationLimit:      cfg.Memory.HydrationLimit,
		EmotionHistoryLimit: cfg.Memory.EmotionHistoryLimit,
	}, log)
	a.Chat = chatService.NewService(orch, a.Memory, stream.NewEmitter(emitterOpts...), log)
	a.Router = handler.NewRouter(a.Chat, a.Health, cfg.Server.AllowedOrigins, log)
	return a, nil
}

func (a *App) wireStore(cfg config.StorageConfig) error {
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		s, err := gormstore.Open(cfg.Driver, cfg.DSN, a.Log)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.Store = s
		a.health = append(a.health, s.Ping)
		a.closers = append(a.closers, func(context.Context) error {
			sqlDB, err := s.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		a.Log.Info("persistent store ready", "driver", cfg.Driver)
	default:
		a.Store = memstore.New()
		a.Log.Warn("using in-memory store, conversations are lost on restart")
	}
	return nil
}

func (a *App) wireChatModel(ctx context.Context, cfg config.AIConfig) model.BaseChatModel {
	if !cfg.Enabled() {
		a.Log.Warn("Ark 凭证未配置，回复合成不可用")
		return nil
	}
	m, err := cfg.NewChatModel(ctx)
	if err != nil {
		a.Log.Warn("failed to initialize chat model", "error", err)
		return nil
	}
	a.Log.Info("chat model initialized", "model", cfg.Model)
	return m
}

func (a *App) wireIndex(cfg config.KnowledgeConfig) retriever.Retriever {
	if !cfg.Enabled() {
		a.Log.Warn("knowledge search not configured, retrieval will degrade to empty context")
		return nil
	}
	idx, err := retrieval.NewHTTPIndex(cfg.SearchURL, cfg.Timeout)
	if err != nil {
		a.Log.Warn("invalid knowledge search endpoint", "error", err)
		return nil
	}
	return idx
}

func (a *App) wireRedis(ctx context.Context, cfg config.RedisConfig) stream.Sink {
	if !cfg.Enabled() {
		return nil
	}
	rdb := cfg.NewClient()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		a.Log.Warn("redis unavailable, event mirror disabled", "error", err)
		_ = rdb.Close()
		return nil
	}
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	a.Log.Info("event mirror enabled", "prefix", cfg.ChannelPrefix)
	return stream.NewRedisMirror(rdb, cfg.ChannelPrefix)
}

// Health 检查持久化后端。
func (a *App) Health(ctx context.Context) error {
	for _, check := range a.health {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close 逆序释放资源。
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
