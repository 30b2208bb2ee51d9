package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	"github.com/zhouzirui/xinqiao/backend/internal/service/ai"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxInputRunes = 2000

	tracerName = "github.com/zhouzirui/xinqiao/backend/internal/pipeline"
)

// Progress 描述一次阶段转换。
type Progress struct {
	Stage   string         `json:"step"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Observer 接收阶段进度，必须快速返回。
type Observer func(Progress)

// Stages 是组成流水线的全部阶段。
type Stages struct {
	Intent     IntentStage
	Risk       RiskStage
	Retrieve   RetrieveStage
	Rerank     RerankStage
	Synthesize SynthesizeStage
}

func (s Stages) validate() error {
	switch {
	case s.Intent == nil:
		return errors.New("intent stage required")
	case s.Risk == nil:
		return errors.New("risk stage required")
	case s.Retrieve == nil:
		return errors.New("retrieve stage required")
	case s.Rerank == nil:
		return errors.New("rerank stage required")
	case s.Synthesize == nil:
		return errors.New("synthesize stage required")
	}
	return nil
}

// Option 调整 Orchestrator。
type Option func(*Orchestrator)

func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithMaxInputRunes(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxInputRunes = n
		}
	}
}

// WithRerankMinCandidates 检索结果数不超过该值时跳过重排。
func WithRerankMinCandidates(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.rerankMin = n
		}
	}
}

// WithRerankTopN 进入合成阶段的文档上限，无论是否重排。
func WithRerankTopN(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.rerankTopN = n
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// Orchestrator 依次执行 intent → risk → [retrieve → rerank] → synthesize。
// 自身无副作用，持久化由调用方在终态之后完成。
type Orchestrator struct {
	stages        Stages
	timeout       time.Duration
	maxInputRunes int
	rerankMin     int
	rerankTopN    int
	log           *logger.Logger
	tracer        trace.Tracer
}

func New(stages Stages, opts ...Option) (*Orchestrator, error) {
	if err := stages.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		stages:        stages,
		timeout:       DefaultTimeout,
		maxInputRunes: DefaultMaxInputRunes,
		rerankMin:     retrieval.DefaultMinCandidates,
		rerankTopN:    retrieval.DefaultTopN,
		log:           logger.NewNop(),
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "pipeline")
	return o, nil
}

// RunOption 调整单次运行。
type RunOption func(*runConfig)

type runConfig struct {
	observer  Observer
	profile   *risk.ProfileContext
	timeout   time.Duration
	timestamp time.Time
}

// WithObserver 注册阶段进度回调。
func WithObserver(obs Observer) RunOption {
	return func(c *runConfig) { c.observer = obs }
}

// WithProfile 为风险分级提供画像提示。
func WithProfile(p *risk.ProfileContext) RunOption {
	return func(c *runConfig) { c.profile = p }
}

// WithTimeout 覆盖本次运行的总预算。
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTimestamp 指定消息时间，用于深夜时段判断。
func WithTimestamp(ts time.Time) RunOption {
	return func(c *runConfig) { c.timestamp = ts }
}

// Run 执行一次完整的流水线。
func (o *Orchestrator) Run(ctx context.Context, input string, history []chat.Utterance, opts ...RunOption) (*Result, error) {
	cfg := runConfig{timeout: o.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timestamp.IsZero() {
		cfg.timestamp = time.Now()
	}

	if err := o.Validate(input); err != nil {
		return nil, err
	}

	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	r := &run{o: o, ctx: runCtx, parent: ctx, cfg: cfg}
	result, err := r.execute(input, history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result.ExecutionTime = time.Since(started).Seconds()
	span.SetAttributes(
		attribute.String("pipeline.workflow_path", result.WorkflowPath),
		attribute.String("pipeline.intent", string(result.Intent)),
		attribute.String("pipeline.risk_tier", result.Risk.Tier.String()),
		attribute.Int("pipeline.documents_count", result.DocumentsCount),
	)
	return result, nil
}

// Validate 在进入流水线前检查输入。
func (o *Orchestrator) Validate(input string) error {
	if strings.TrimSpace(input) == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(input); n > o.maxInputRunes {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("length %d exceeds %d", n, o.maxInputRunes)}
	}
	return nil
}

type run struct {
	o      *Orchestrator
	ctx    context.Context
	parent context.Context
	cfg    runConfig
	path   workflow
}

func (r *run) execute(input string, history []chat.Utterance) (*Result, error) {
	o := r.o
	result := &Result{Passages: []retrieval.Passage{}}

	// INTENT：失败不短路，回退为 consultation
	intentRes, err := dispatch(r, o.stages.Intent, input)
	if err != nil {
		if abortErr := r.abortError(StageIntent, err); abortErr != nil {
			return nil, abortErr
		}
		o.log.Warn("intent classification failed, using fallback", "error", err)
		intentRes = intent.Fallback()
	}
	result.Intent = intentRes.Label
	result.IntentConfidence = intentRes.Confidence
	r.progress(StageIntent, "意图识别完成", map[string]any{
		"intent":     string(intentRes.Label),
		"confidence": intentRes.Confidence,
	})

	// RISK：无论意图如何都必须执行，失败时按保守结果处理
	assessment, err := dispatch(r, o.stages.Risk, risk.Input{
		Message:   input,
		History:   userTexts(history),
		Profile:   r.cfg.profile,
		Timestamp: r.cfg.timestamp,
	})
	if err != nil {
		if abortErr := r.abortError(StageRisk, err); abortErr != nil {
			return nil, abortErr
		}
		o.log.Warn("risk triage failed, failing safe", "error", err)
		assessment = failSafeFor(o.stages.Risk, err.Error())
	}
	result.Risk = assessment
	if assessment.Tier >= risk.Medium {
		o.log.Warn("risk signals detected",
			"tier", assessment.Tier.String(),
			"signals", assessment.MatchedSignals,
			"requires_intervention", assessment.RequiresIntervention,
		)
	}
	r.progress(StageRisk, "安全评估完成", map[string]any{
		"risk_tier":             assessment.Tier.String(),
		"requires_intervention": assessment.RequiresIntervention,
	})

	if assessment.RequiresIntervention {
		r.path.add(stageEnd)
		result.Response = assessment.Response
		if result.Response == "" {
			result.Response = risk.SafetyResponse(assessment.Tier, assessment.Resources)
		}
		result.Emotion = emotion.Concerned
		result.EmotionConfidence = assessment.Confidence
		result.SafetyTriggered = true
		result.DocumentsCount = 0
		result.WorkflowPath = r.path.String()
		return result, nil
	}

	// RETRIEVE：失败降级为空结果
	retrieved, err := dispatch(r, o.stages.Retrieve, RetrieveInput{Query: input, Intent: intentRes.Label})
	if err != nil {
		if abortErr := r.abortError(StageRetrieve, err); abortErr != nil {
			return nil, abortErr
		}
		o.log.Warn("retrieval stage failed, continuing without documents", "error", err)
		retrieved = retrieval.Result{Failed: true, Reason: err.Error()}
	}
	if err := r.checkBudget(StageRetrieve); err != nil {
		return nil, err
	}
	result.RetrievalFailed = retrieved.Failed
	passages := retrieved.Passages
	if passages == nil {
		passages = []retrieval.Passage{}
	}
	r.progress(StageRetrieve, "知识检索完成", map[string]any{
		"k":                retrieved.K,
		"documents":        len(passages),
		"retrieval_failed": retrieved.Failed,
	})

	// RERANK：候选数超过阈值才执行
	if len(passages) > o.rerankMin {
		reranked, err := dispatch(r, o.stages.Rerank, RerankInput{Query: input, Passages: passages})
		if err != nil {
			if abortErr := r.abortError(StageRerank, err); abortErr != nil {
				return nil, abortErr
			}
			o.log.Warn("rerank stage failed, keeping retrieval order", "error", err)
			reranked = retrieval.RerankResult{Passages: passages, Fallback: true, Reason: err.Error()}
		}
		if err := r.checkBudget(StageRerank); err != nil {
			return nil, err
		}
		passages = reranked.Passages
		result.RerankApplied = reranked.Applied
		result.RerankFallback = reranked.Fallback
		r.progress(StageRerank, "文档重排完成", map[string]any{
			"documents": len(passages),
			"fallback":  reranked.Fallback,
		})
	}
	if len(passages) > o.rerankTopN {
		passages = passages[:o.rerankTopN]
	}
	result.Passages = passages
	result.DocumentsCount = len(passages)

	// SYNTHESIZE：失败即终止
	synthesized, err := dispatch(r, o.stages.Synthesize, ai.SynthesisInput{
		Query:    input,
		Intent:   intentRes.Label,
		Passages: passages,
		History:  history,
		Risk:     assessment,
	})
	if err != nil {
		if abortErr := r.abortError(StageSynthesize, err); abortErr != nil {
			return nil, abortErr
		}
		return nil, &SynthesisError{Err: classifyUpstream(err)}
	}
	if err := r.checkBudget(StageSynthesize); err != nil {
		return nil, err
	}

	result.Response = synthesized.Text
	result.Emotion = synthesized.Emotion
	result.EmotionConfidence = synthesized.EmotionConfidence
	result.WorkflowPath = r.path.String()
	return result, nil
}

// dispatch 在独立 goroutine 中执行阶段，控制流只等待结果或预算耗尽。
func dispatch[In, Out any](r *run, stage Stage[In, Out], in In) (Out, error) {
	var zero Out
	name := stage.Name()
	if err := r.checkBudget(name); err != nil {
		return zero, err
	}
	r.path.add(name)

	ctx, span := r.o.tracer.Start(r.ctx, "pipeline."+name, trace.WithAttributes(attribute.String("pipeline.stage", name)))
	defer span.End()

	type outcome struct {
		out Out
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("stage %s panicked: %v", name, rec)}
			}
		}()
		out, err := stage.Run(ctx, in)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.out, res.err
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return zero, r.abortError(name, ctx.Err())
	}
}

// checkBudget 在派发下一阶段前检查取消与超时。
func (r *run) checkBudget(stage string) error {
	if r.ctx.Err() == nil {
		return nil
	}
	return r.abortError(stage, r.ctx.Err())
}

// abortError 区分调用方取消与预算耗尽，其余错误返回 nil 交由阶段策略处理。
func (r *run) abortError(stage string, err error) error {
	var te *TimeoutError
	if errors.As(err, &te) || errors.Is(err, ErrCanceled) {
		return err
	}
	if r.parent.Err() != nil {
		return fmt.Errorf("%w at %s: %w", ErrCanceled, stage, r.parent.Err())
	}
	if r.ctx.Err() != nil {
		return &TimeoutError{Stage: stage, Budget: r.cfg.timeout}
	}
	return nil
}

func (r *run) progress(stage, message string, data map[string]any) {
	if r.cfg.observer == nil {
		return
	}
	r.cfg.observer(Progress{Stage: stage, Message: message, Data: data})
}

func classifyUpstream(err error) error {
	if errors.Is(err, ai.ErrRateLimited) || errors.Is(err, ai.ErrCompletionTimeout) ||
		errors.Is(err, ai.ErrServiceFailure) || errors.Is(err, ai.ErrEmptyCompletion) {
		return &UpstreamServiceError{Service: "completion", Err: err}
	}
	return err
}

func userTexts(history []chat.Utterance) []string {
	out := make([]string, 0, len(history))
	for _, u := range history {
		if u.Role == chat.RoleUser {
			out = append(out, u.Text)
		}
	}
	return out
}
