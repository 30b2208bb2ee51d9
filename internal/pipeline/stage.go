package pipeline

import (
	"context"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/service/ai"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

// Stage 是流水线中的一个阶段：类型化输入，类型化输出或失败。
type Stage[In, Out any] interface {
	Name() string
	Run(ctx context.Context, in In) (Out, error)
}

// StageFunc 将函数适配为 Stage。
type StageFunc[In, Out any] struct {
	name string
	fn   func(ctx context.Context, in In) (Out, error)
}

func NewStage[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error)) StageFunc[In, Out] {
	return StageFunc[In, Out]{name: name, fn: fn}
}

func (s StageFunc[In, Out]) Name() string { return s.name }

func (s StageFunc[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	return s.fn(ctx, in)
}

// 阶段名，同时用作 workflow_path 片段。
const (
	StageIntent     = "intent"
	StageRisk       = "risk"
	StageRetrieve   = "retrieve"
	StageRerank     = "rerank"
	StageSynthesize = "synthesize"
	stageEnd        = "end"
)

// RetrieveInput 是检索阶段的输入。
type RetrieveInput struct {
	Query  string
	Intent intent.Label
}

// RerankInput 是重排阶段的输入。
type RerankInput struct {
	Query    string
	Passages []retrieval.Passage
}

type (
	IntentStage     = Stage[string, intent.Result]
	RiskStage       = Stage[risk.Input, risk.Assessment]
	RetrieveStage   = Stage[RetrieveInput, retrieval.Result]
	RerankStage     = Stage[RerankInput, retrieval.RerankResult]
	SynthesizeStage = Stage[ai.SynthesisInput, ai.SynthesisResult]
)

func NewIntentStage() IntentStage {
	return NewStage(StageIntent, func(_ context.Context, text string) (intent.Result, error) {
		return intent.Classify(text)
	})
}

// riskStage 额外提供与分级器配置一致的保守结果。
type riskStage struct {
	StageFunc[risk.Input, risk.Assessment]
	classifier *risk.Classifier
}

func (s riskStage) FailSafe(reason string) risk.Assessment {
	return s.classifier.FailSafe(reason)
}

func NewRiskStage(c *risk.Classifier) RiskStage {
	return riskStage{StageFunc: NewStage(StageRisk, c.Classify), classifier: c}
}

// failSafeFor 优先使用阶段自带的保守结果，否则退回默认资源。
func failSafeFor(stage RiskStage, reason string) risk.Assessment {
	if fs, ok := stage.(interface {
		FailSafe(reason string) risk.Assessment
	}); ok {
		return fs.FailSafe(reason)
	}
	return risk.FailSafe(reason)
}

func NewRetrieveStage(s *retrieval.Searcher) RetrieveStage {
	return NewStage(StageRetrieve, func(ctx context.Context, in RetrieveInput) (retrieval.Result, error) {
		return s.Retrieve(ctx, in.Query, in.Intent), nil
	})
}

func NewRerankStage(r *retrieval.Reranker) RerankStage {
	return NewStage(StageRerank, func(ctx context.Context, in RerankInput) (retrieval.RerankResult, error) {
		return r.Rerank(ctx, in.Query, in.Passages), nil
	})
}

func NewSynthesizeStage(s *ai.Synthesizer) SynthesizeStage {
	return NewStage(StageSynthesize, s.Synthesize)
}
