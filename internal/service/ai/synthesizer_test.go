package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	emotionservice "github.com/zhouzirui/xinqiao/backend/internal/service/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

type recordingCompleter struct {
	reply    string
	err      error
	messages []*schema.Message
}

func (c *recordingCompleter) Complete(_ context.Context, messages []*schema.Message) (string, error) {
	c.messages = messages
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

type fixedEmotion struct {
	guidance emotionservice.Guidance
}

func (f fixedEmotion) Analyze(context.Context, []chat.Utterance, string) emotionservice.Guidance {
	return f.guidance
}

func TestSynthesizeBuildsPromptAndAppendsClosing(t *testing.T) {
	completer := &recordingCompleter{reply: "  我理解你的感受。 "}
	s := NewSynthesizer(completer, nil, nil)

	history := []chat.Utterance{
		{Text: "第一句", Role: chat.RoleUser},
		{Text: "第二句", Role: chat.RoleAssistant},
		{Text: "第三句", Role: chat.RoleUser},
		{Text: "第四句", Role: chat.RoleAssistant},
	}
	passages := []retrieval.Passage{
		{Content: strings.Repeat("长", 600), Rank: 1},
		{Content: "文档二", Rank: 2},
		{Content: "文档三", Rank: 3},
		{Content: "文档四", Rank: 4},
	}

	got, err := s.Synthesize(context.Background(), SynthesisInput{
		Query:    "我最近很焦虑",
		Intent:   intent.Consultation,
		Passages: passages,
		History:  history,
	})
	require.NoError(t, err)

	assert.Equal(t, emotion.Anxious, got.Emotion)
	assert.Equal(t, 3, got.DocumentsUsed)
	assert.True(t, strings.HasPrefix(got.Text, "我理解你的感受。"))
	assert.True(t, strings.HasSuffix(got.Text, closingConsultationDistressed))

	require.Len(t, completer.messages, 5)
	system := completer.messages[0]
	assert.Equal(t, schema.System, system.Role)
	assert.Contains(t, system.Content, "文档三")
	assert.NotContains(t, system.Content, "文档四")
	assert.Contains(t, system.Content, strings.Repeat("长", 500))
	assert.NotContains(t, system.Content, strings.Repeat("长", 501))
	assert.NotContains(t, system.Content, "第一句")

	assert.Equal(t, "第二句", completer.messages[1].Content)
	assert.Equal(t, schema.Assistant, completer.messages[1].Role)
	assert.Equal(t, "用户输入：我最近很焦虑", completer.messages[4].Content)
}

func TestSynthesizeWithoutDocuments(t *testing.T) {
	completer := &recordingCompleter{reply: "回复"}
	s := NewSynthesizer(completer, nil, nil)

	got, err := s.Synthesize(context.Background(), SynthesisInput{Query: "什么是正念", Intent: intent.Knowledge})
	require.NoError(t, err)

	assert.Equal(t, 0, got.DocumentsUsed)
	assert.Contains(t, completer.messages[0].Content, "无相关文档")
	assert.Equal(t, "回复"+closingKnowledge, got.Text)
}

func TestSynthesizeIntensityResources(t *testing.T) {
	completer := &recordingCompleter{reply: "回复"}
	s := NewSynthesizer(completer, fixedEmotion{guidance: emotionservice.Guidance{
		Decision:   emotion.Decision{Emotion: emotion.Anxious, Intensity: 0.9},
		Confidence: 0.8,
	}}, nil)

	got, err := s.Synthesize(context.Background(), SynthesisInput{Query: "睡不着", Intent: intent.Chat})
	require.NoError(t, err)

	assert.Contains(t, got.Text, "4-7-8呼吸法")
	assert.Contains(t, got.Text, "专业支持")
	assert.InDelta(t, 0.8, got.EmotionConfidence, 1e-9)
}

func TestSynthesizePropagatesCompletionError(t *testing.T) {
	completer := &recordingCompleter{err: ErrRateLimited}
	s := NewSynthesizer(completer, nil, nil)

	_, err := s.Synthesize(context.Background(), SynthesisInput{Query: "你好", Intent: intent.Chat})
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = NewSynthesizer(nil, nil, nil).Synthesize(context.Background(), SynthesisInput{Query: "你好"})
	require.ErrorIs(t, err, ErrServiceFailure)
}

func TestClosingFor(t *testing.T) {
	sad := emotion.Decision{Emotion: emotion.Sad}
	calm := emotion.Decision{Emotion: emotion.Neutral}

	assert.Equal(t, closingConsultationDistressed, closingFor(intent.Consultation, sad))
	assert.Equal(t, closingConsultation, closingFor(intent.Consultation, calm))
	assert.Equal(t, closingCrisis, closingFor(intent.Crisis, calm))
	assert.Empty(t, closingFor(intent.Chat, sad))
}

type stubModel struct {
	msg *schema.Message
	err error
}

func (m stubModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return m.msg, m.err
}

func (m stubModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestChatModelCompleter(t *testing.T) {
	c := NewChatModelCompleter(stubModel{msg: schema.AssistantMessage("好的", nil)})
	text, err := c.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "好的", text)

	c = NewChatModelCompleter(stubModel{msg: schema.AssistantMessage("  ", nil)})
	_, err = c.Complete(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyCompletion)

	c = NewChatModelCompleter(stubModel{err: errors.New("status 429: Too Many Requests")})
	_, err = c.Complete(context.Background(), nil)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestClassifyError(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, ClassifyError(ctx, nil))
	assert.ErrorIs(t, ClassifyError(ctx, context.DeadlineExceeded), ErrCompletionTimeout)
	assert.ErrorIs(t, ClassifyError(ctx, errors.New("read tcp: i/o timeout")), ErrCompletionTimeout)
	assert.ErrorIs(t, ClassifyError(ctx, errors.New("internal error")), ErrServiceFailure)

	wrapped := ClassifyError(ctx, errors.New("rate limit exceeded"))
	assert.ErrorIs(t, wrapped, ErrRateLimited)
	assert.NotErrorIs(t, wrapped, ErrServiceFailure)
}
