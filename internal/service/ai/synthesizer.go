package ai

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	emotionservice "github.com/zhouzirui/xinqiao/backend/internal/service/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

const (
	maxPromptDocuments = 3
	maxDocumentRunes   = 500
	historyTurns       = 3
)

// EmotionAnalyzer 为回复合成提供情绪判断。
type EmotionAnalyzer interface {
	Analyze(ctx context.Context, history []chat.Utterance, userMessage string) emotionservice.Guidance
}

// SynthesisInput 是回复合成阶段的输入。
type SynthesisInput struct {
	Query    string
	Intent   intent.Label
	Passages []retrieval.Passage
	History  []chat.Utterance
	Risk     risk.Assessment
}

// SynthesisResult 是回复合成阶段的输出。
type SynthesisResult struct {
	Text              string
	Emotion           emotion.Label
	EmotionConfidence float64
	Intensity         float64
	DocumentsUsed     int
}

// Synthesizer 组装提示词、调用补全服务并追加结尾引导。
type Synthesizer struct {
	completer CompletionService
	emotions  EmotionAnalyzer
	prompts   *PromptManager
	template  prompt.ChatTemplate
	log       *logger.Logger
}

// NewSynthesizer emotions 为 nil 时使用关键词规则。
func NewSynthesizer(completer CompletionService, emotions EmotionAnalyzer, log *logger.Logger) *Synthesizer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Synthesizer{
		completer: completer,
		emotions:  emotions,
		prompts:   NewPromptManager(),
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("用户输入：{query}"),
		),
		log: log.With("component", "synthesis"),
	}
}

// Synthesize 失败即返回错误，调用方不得写入半成品回复。
func (s *Synthesizer) Synthesize(ctx context.Context, in SynthesisInput) (SynthesisResult, error) {
	if s.completer == nil {
		return SynthesisResult{}, fmt.Errorf("%w: completion service not configured", ErrServiceFailure)
	}

	guidance := s.analyzeEmotion(ctx, in)

	messages, err := s.template.Format(ctx, s.buildChainInput(in, guidance))
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("format synthesis prompt: %w", err)
	}

	text, err := s.completer.Complete(ctx, messages)
	if err != nil {
		return SynthesisResult{}, err
	}

	text = strings.TrimSpace(text) + closingFor(in.Intent, guidance.Decision)
	text = enhanceWithResources(text, guidance.Decision)

	s.log.Debug("synthesis completed",
		"intent", in.Intent,
		"documents", min(len(in.Passages), maxPromptDocuments),
		"emotion", guidance.Decision.Emotion,
		"length", utf8.RuneCountInString(text),
	)

	return SynthesisResult{
		Text:              text,
		Emotion:           guidance.Decision.Emotion,
		EmotionConfidence: guidance.Confidence,
		Intensity:         guidance.Decision.Intensity,
		DocumentsUsed:     min(len(in.Passages), maxPromptDocuments),
	}, nil
}

func (s *Synthesizer) analyzeEmotion(ctx context.Context, in SynthesisInput) emotionservice.Guidance {
	if s.emotions != nil {
		return s.emotions.Analyze(ctx, in.History, in.Query)
	}
	decision := emotion.Analyze(in.Query)
	confidence := 0.3
	if decision.Score > 0 {
		confidence = 0.55
	}
	return emotionservice.Guidance{Decision: decision, Confidence: confidence, Reason: "heuristic"}
}

func (s *Synthesizer) buildChainInput(in SynthesisInput, guidance emotionservice.Guidance) map[string]any {
	recent := recentHistory(in.History, historyTurns)
	return map[string]any{
		"system": s.prompts.BuildSystemPrompt(PromptContext{
			Intent:          in.Intent,
			Documents:       formatDocuments(in.Passages),
			History:         formatHistory(recent),
			SafetyTriggered: in.Risk.RequiresIntervention,
			RiskLevel:       in.Risk.LevelName,
			EmotionHint:     describeEmotion(guidance),
		}),
		"history": historyMessages(recent),
		"query":   in.Query,
	}
}

func formatDocuments(passages []retrieval.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	limit := min(len(passages), maxPromptDocuments)
	parts := make([]string, 0, limit)
	for _, p := range passages[:limit] {
		content := strings.TrimSpace(p.Content)
		if runes := []rune(content); len(runes) > maxDocumentRunes {
			content = string(runes[:maxDocumentRunes])
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func recentHistory(history []chat.Utterance, n int) []chat.Utterance {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func formatHistory(history []chat.Utterance) string {
	lines := make([]string, 0, len(history))
	for _, u := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", u.Role, strings.TrimSpace(u.Text)))
	}
	return strings.Join(lines, "\n")
}

func historyMessages(history []chat.Utterance) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, u := range history {
		switch u.Role {
		case chat.RoleUser:
			out = append(out, schema.UserMessage(u.Text))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(u.Text, nil))
		}
	}
	return out
}

func describeEmotion(g emotionservice.Guidance) string {
	label := g.Decision.Emotion
	var desc string
	switch label {
	case emotion.Anxious:
		desc = "用户较为焦虑紧张，需要稳定情绪、放慢节奏。"
	case emotion.Sad:
		desc = "用户情绪低落，需要温柔安慰与理解。"
	case emotion.Angry:
		desc = "用户有愤怒或不满，需要先接纳情绪再理性回应。"
	case emotion.Confused:
		desc = "用户感到困惑迷茫，需要帮助梳理思路。"
	case emotion.Hopeful:
		desc = "用户抱有期待，可以肯定并强化积极的一面。"
	default:
		desc = "用户情绪平和，请保持清晰、自然的语气。"
	}
	out := fmt.Sprintf("%s（强度约 %.1f）", desc, g.Decision.Intensity)
	if g.Style != "" {
		out += " 回复建议：" + g.Style
	}
	return out
}
