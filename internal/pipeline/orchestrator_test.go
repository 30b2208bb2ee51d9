package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/service/ai"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

var afternoon = time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)

type fakeIndex struct {
	mu    sync.Mutex
	docs  []*schema.Document
	err   error
	lastK int
	calls int
}

func (f *fakeIndex) Retrieve(_ context.Context, _ string, opts ...retriever.Option) ([]*schema.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	options := retriever.GetCommonOptions(&retriever.Options{}, opts...)
	if options.TopK != nil {
		f.lastK = *options.TopK
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.docs) > f.lastK {
		return f.docs[:f.lastK], nil
	}
	return f.docs, nil
}

func (f *fakeIndex) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCompleter struct {
	reply string
	err   error
	calls atomic.Int32
}

func (c *fakeCompleter) Complete(context.Context, []*schema.Message) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

func makeDocs(contents ...string) []*schema.Document {
	out := make([]*schema.Document, len(contents))
	for i, c := range contents {
		out[i] = (&schema.Document{Content: c}).WithScore(0.9 - float64(i)*0.05)
	}
	return out
}

type harness struct {
	index     *fakeIndex
	completer *fakeCompleter
	stages    Stages
}

func newHarness() *harness {
	h := &harness{
		index: &fakeIndex{docs: makeDocs(
			"压力管理的基本方法",
			"睡眠与焦虑的关系",
			"深呼吸练习帮助放松",
			"如何与家人沟通压力",
			"运动可以缓解压力",
			"认知行为疗法简介",
		)},
		completer: &fakeCompleter{reply: "我能感受到你的压力。"},
	}
	h.stages = Stages{
		Intent:     NewIntentStage(),
		Risk:       NewRiskStage(risk.NewClassifier(risk.WithLocation(time.UTC))),
		Retrieve:   NewRetrieveStage(retrieval.NewSearcher(h.index, retrieval.DefaultK(), 0, nil)),
		Rerank:     NewRerankStage(retrieval.NewReranker()),
		Synthesize: NewSynthesizeStage(ai.NewSynthesizer(h.completer, nil, nil)),
	}
	return h
}

func (h *harness) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(h.stages, opts...)
	require.NoError(t, err)
	return o
}

func TestRunExplicitSuicidalStatementShortCircuits(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "我想自杀", nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.Equal(t, risk.Critical, res.Risk.Tier)
	assert.True(t, res.Risk.RequiresIntervention)
	assert.True(t, res.SafetyTriggered)
	assert.Equal(t, 0, res.DocumentsCount)
	assert.Empty(t, res.Passages)
	assert.Equal(t, "intent→risk→end", res.WorkflowPath)
	assert.Contains(t, res.Response, "400-161-9995")
	assert.Equal(t, emotion.Concerned, res.Emotion)
	assert.Equal(t, intent.Crisis, res.Intent)
	assert.Zero(t, h.index.Calls())
	assert.Zero(t, h.completer.calls.Load())
}

func TestRunGeneralStressRetrievesWithDefaultK(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "我最近压力很大", nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.Contains(t, []risk.Tier{risk.None, risk.Low}, res.Risk.Tier)
	assert.Equal(t, intent.Consultation, res.Intent)
	assert.Equal(t, 5, h.index.lastK)
	assert.Equal(t, "intent→risk→retrieve→rerank→synthesize", res.WorkflowPath)
	assert.Equal(t, 5, res.DocumentsCount)
	assert.True(t, res.RerankApplied)
	assert.False(t, res.SafetyTriggered)
	assert.Contains(t, res.Response, "我能感受到你的压力。")
	assert.Positive(t, res.ExecutionTime)
}

func TestRunShortCircuitSkipsDownstreamStages(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)
	messages := []string{"我想自杀", "绝望又无助", "今天天气不错", "我很孤独", "I want to die", "什么是正念"}

	for _, msg := range messages {
		res, err := o.Run(context.Background(), msg, nil, WithTimestamp(afternoon))
		require.NoError(t, err, msg)
		if res.Risk.RequiresIntervention {
			assert.Equal(t, 0, res.DocumentsCount, msg)
			assert.Equal(t, "intent→risk→end", res.WorkflowPath, msg)
		} else {
			assert.NotEqual(t, "intent→risk→end", res.WorkflowPath, msg)
		}
	}
}

func TestRunProfileFloorTriggersIntervention(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "今天吃了什么好呢", nil,
		WithTimestamp(afternoon),
		WithProfile(&risk.ProfileContext{MentalHealthStatus: "suicidal_ideation"}),
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Risk.Tier, risk.High)
	assert.Equal(t, "intent→risk→end", res.WorkflowPath)
}

func TestRunRiskFailureFailsSafe(t *testing.T) {
	h := newHarness()
	h.stages.Risk = NewStage(StageRisk, func(context.Context, risk.Input) (risk.Assessment, error) {
		return risk.Assessment{}, errors.New("vocabulary corrupted")
	})
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "你好", nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.NotEqual(t, risk.None, res.Risk.Tier)
	assert.True(t, res.Risk.RequiresIntervention)
	assert.True(t, res.Risk.FailSafe)
	assert.Equal(t, "intent→risk→end", res.WorkflowPath)
	assert.Contains(t, res.Response, "400-161-9995")
}

func TestRunMalformedInputFailsSafe(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "hi"+string([]byte{0xff}), nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.Equal(t, intent.Consultation, res.Intent)
	assert.InDelta(t, 0.5, res.IntentConfidence, 1e-9)
	assert.True(t, res.Risk.FailSafe)
	assert.Equal(t, 0, res.DocumentsCount)
}

func TestRunFailSafeUsesClassifierResources(t *testing.T) {
	h := newHarness()
	res := risk.Resources{Hotlines: []string{"校园心理热线：12355"}, Emergency: "请拨打120"}
	h.stages.Risk = NewRiskStage(risk.NewClassifier(risk.WithLocation(time.UTC), risk.WithResources(res)))
	o := h.orchestrator(t)

	out, err := o.Run(context.Background(), "hi"+string([]byte{0xff}), nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.True(t, out.Risk.FailSafe)
	assert.Equal(t, res, out.Risk.Resources)
}

func TestRunRetrievalFailureDegrades(t *testing.T) {
	h := newHarness()
	h.index.err = errors.New("vector index offline")
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "我最近压力很大", nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.True(t, res.RetrievalFailed)
	assert.Equal(t, 0, res.DocumentsCount)
	assert.Equal(t, "intent→risk→retrieve→synthesize", res.WorkflowPath)
	assert.NotEmpty(t, res.Response)
}

func TestRunSkipsRerankForFewCandidates(t *testing.T) {
	h := newHarness()
	h.index.docs = h.index.docs[:3]
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "我最近压力很大", nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.Equal(t, "intent→risk→retrieve→synthesize", res.WorkflowPath)
	assert.Equal(t, 3, res.DocumentsCount)
	assert.False(t, res.RerankApplied)
}

func TestRunTopNAppliesWhenRerankSkipped(t *testing.T) {
	h := newHarness()
	h.index.docs = h.index.docs[:3]
	o := h.orchestrator(t, WithRerankTopN(2))

	res, err := o.Run(context.Background(), "我最近压力很大", nil, WithTimestamp(afternoon))
	require.NoError(t, err)

	assert.False(t, res.RerankApplied)
	assert.Equal(t, 2, res.DocumentsCount)
	require.Len(t, res.Passages, 2)
	assert.Equal(t, "压力管理的基本方法", res.Passages[0].Content)
}

func TestRunSynthesisFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.completer.err = fmt.Errorf("%w: upstream 503", ai.ErrServiceFailure)
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "我最近压力很大", nil, WithTimestamp(afternoon))
	require.Error(t, err)
	assert.Nil(t, res)

	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	var upstream *UpstreamServiceError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "completion", upstream.Service)
	assert.ErrorIs(t, err, ai.ErrServiceFailure)
}

func TestRunTimeoutAbortsWholeRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	h.stages.Synthesize = NewStage(StageSynthesize, func(ctx context.Context, _ ai.SynthesisInput) (ai.SynthesisResult, error) {
		select {
		case <-ctx.Done():
			return ai.SynthesisResult{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return ai.SynthesisResult{Text: "too late"}, nil
		}
	})
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "我最近压力很大", nil, WithTimestamp(afternoon), WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StageSynthesize, te.Stage)
}

func TestRunParentCancellation(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, "我最近压力很大", nil, WithTimestamp(afternoon))
	require.ErrorIs(t, err, ErrCanceled)
	assert.False(t, IsTimeout(err))
}

func TestRunValidation(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t, WithMaxInputRunes(5))

	var ve *ValidationError
	_, err := o.Run(context.Background(), "   ", nil)
	require.ErrorAs(t, err, &ve)

	_, err = o.Run(context.Background(), "这条消息太长了", nil)
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, h.index.Calls())
}

func TestRunObserverSeesStageOrder(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)

	var stages []string
	observer := func(p Progress) { stages = append(stages, p.Stage) }

	_, err := o.Run(context.Background(), "我最近压力很大", nil, WithTimestamp(afternoon), WithObserver(observer))
	require.NoError(t, err)
	assert.Equal(t, []string{StageIntent, StageRisk, StageRetrieve, StageRerank}, stages)

	stages = nil
	_, err = o.Run(context.Background(), "我想自杀", nil, WithTimestamp(afternoon), WithObserver(observer))
	require.NoError(t, err)
	assert.Equal(t, []string{StageIntent, StageRisk}, stages)
}

func TestRunHistoryFeedsRiskWithUserTurnsOnly(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)
	history := []chat.Utterance{
		{Text: "最近很累", Role: chat.RoleUser},
		{Text: "听起来你很痛苦也很绝望", Role: chat.RoleAssistant},
		{Text: "心情不好", Role: chat.RoleUser},
		{Text: "有点担心", Role: chat.RoleUser},
	}

	res, err := o.Run(context.Background(), "你好", history, WithTimestamp(afternoon))
	require.NoError(t, err)
	assert.Equal(t, risk.Medium, res.Risk.Tier)
	assert.False(t, res.Risk.RequiresIntervention)
}

func TestNewRequiresAllStages(t *testing.T) {
	_, err := New(Stages{Intent: NewIntentStage()})
	assert.Error(t, err)
}

func TestResultMetadata(t *testing.T) {
	res := &Result{
		Intent:         intent.Crisis,
		Risk:           risk.Assessment{Tier: risk.Critical, MatchedSignals: []string{"自杀"}},
		WorkflowPath:   "intent→risk→end",
		DocumentsCount: 0,
	}
	md := res.Metadata()
	assert.Equal(t, "critical", md["risk_tier"])
	assert.Equal(t, []string{"自杀"}, md["matched_signals"])
	assert.Equal(t, "intent→risk→end", md["workflow_path"])
}

func TestErrorCodeAndUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		code string
		msg  string
	}{
		{&ValidationError{Field: "message", Reason: "empty"}, "validation_error", "消息内容无效，请检查后重试"},
		{&TimeoutError{Stage: StageRetrieve, Budget: time.Second}, "timeout", "处理超时，请稍后重试"},
		{fmt.Errorf("%w at risk: %w", ErrCanceled, context.Canceled), "canceled", GenericFailureMessage},
		{&SynthesisError{Err: &UpstreamServiceError{Service: "completion", Err: errors.New("boom")}}, "upstream_error", GenericFailureMessage},
		{&SynthesisError{Err: errors.New("boom")}, "synthesis_error", GenericFailureMessage},
		{errors.New("secret detail"), "internal_error", GenericFailureMessage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCode(tc.err))
		assert.Equal(t, tc.msg, UserMessage(tc.err))
	}
}
