package emotion

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	analysis "github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
)

type scriptedModel struct {
	content string
	err     error
}

func (m *scriptedModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.content, nil), nil
}

func (m *scriptedModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if m.err != nil {
		return nil, m.err
	}
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(m.content, nil)}), nil
}

func TestAnalyzeUsesClassifierOutput(t *testing.T) {
	m := &scriptedModel{content: "结果如下：{\"emotion\":\"anxious\",\"intensity\":0.85,\"confidence\":0.9,\"style\":\"放慢语速\",\"reason\":\"提到失眠和担心\"}"}
	svc, err := NewService(context.Background(), m, Config{Enabled: true}, nil)
	require.NoError(t, err)
	require.True(t, svc.Enabled())

	got := svc.Analyze(context.Background(), []chat.Utterance{{Text: "最近睡不好", Role: chat.RoleUser}}, "我很担心明天的面试")

	assert.Equal(t, analysis.Anxious, got.Decision.Emotion)
	assert.InDelta(t, 0.85, got.Decision.Intensity, 1e-9)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, "放慢语速", got.Style)
}

func TestAnalyzeFallsBackOnModelError(t *testing.T) {
	svc, err := NewService(context.Background(), &scriptedModel{err: errors.New("rate limited")}, Config{Enabled: true}, nil)
	require.NoError(t, err)

	got := svc.Analyze(context.Background(), nil, "我很难过")
	assert.Equal(t, analysis.Sad, got.Decision.Emotion)
	assert.Equal(t, "fallback", got.Reason)
	assert.InDelta(t, 0.55, got.Confidence, 1e-9)
}

func TestAnalyzeFallsBackOnUnknownLabel(t *testing.T) {
	svc, err := NewService(context.Background(), &scriptedModel{content: `{"emotion":"ecstatic","intensity":0.4}`}, Config{Enabled: true}, nil)
	require.NoError(t, err)

	got := svc.Analyze(context.Background(), nil, "今天还行")
	assert.Equal(t, analysis.Neutral, got.Decision.Emotion)
	assert.Equal(t, "fallback", got.Reason)
}

func TestAnalyzeDisabledUsesHeuristics(t *testing.T) {
	svc, err := NewService(context.Background(), nil, Config{Enabled: true}, nil)
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	got := svc.Analyze(context.Background(), nil, "我好迷茫，不知道该怎么办")
	assert.Equal(t, analysis.Confused, got.Decision.Emotion)
}

func TestFormatHistoryRespectsLimit(t *testing.T) {
	history := []chat.Utterance{
		{Text: "一", Role: chat.RoleUser},
		{Text: "二", Role: chat.RoleAssistant},
		{Text: "三", Role: chat.RoleUser},
	}
	assert.Equal(t, "助手: 二\n用户: 三", formatHistory(history, 2))
	assert.Equal(t, "无历史对话", formatHistory(nil, 2))
}
