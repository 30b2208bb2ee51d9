package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
)

// Config 控制情绪分析服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

// Guidance 表示情绪分析的结果以及对回复语气的建议。
type Guidance struct {
	Decision   analysis.Decision
	Style      string
	Confidence float64
	Reason     string
}

// Service 使用大模型对会话情绪进行分析，并在必要时回退到启发式规则。
type Service struct {
	enabled      bool
	classifier   compose.Runnable[map[string]any, *schema.Message]
	fallback     func(text string) analysis.Decision
	historyLimit int
	log          *logger.Logger
}

// NewService 创建情绪分析服务。chatModel 可重用回复合成使用的大模型实例，为 nil 时只使用启发式规则。
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config, log *logger.Logger) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}
	if log == nil {
		log = logger.NewNop()
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		fallback:     analysis.Analyze,
		historyLimit: historyLimit,
		log:          log.With("component", "emotion"),
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(emotionSystemPrompt),
		schema.UserMessage(emotionUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile emotion classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回大模型分类是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Analyze 根据最近对话与用户输入预测情绪，任何失败都回退到关键词规则。
func (s *Service) Analyze(ctx context.Context, history []chat.Utterance, userMessage string) Guidance {
	if !s.Enabled() {
		return s.fallbackGuidance(userMessage)
	}

	input := map[string]any{
		"history":      formatHistory(history, s.historyLimit),
		"user_message": strings.TrimSpace(userMessage),
	}

	msg, err := s.classifier.Invoke(ctx, input)
	if err != nil {
		s.log.Warn("classifier invoke failed, use fallback", "error", err)
		return s.fallbackGuidance(userMessage)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.fallbackGuidance(userMessage)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		s.log.Warn("classifier output parse failed, use fallback", "error", err)
		return s.fallbackGuidance(userMessage)
	}

	label, ok := parseEmotionLabel(result.Emotion)
	if !ok {
		return s.fallbackGuidance(userMessage)
	}

	intensity := clampIntensity(result.Intensity)
	decision := analysis.Decision{
		Emotion:   label,
		Intensity: intensity,
		Score:     int(intensity * 10),
	}

	style := strings.TrimSpace(result.Style)
	if style == "" {
		style = defaultStyleByEmotion[decision.Emotion]
	}

	confidence := result.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	if confidence > 1 {
		confidence = 1
	}

	return Guidance{
		Decision:   decision,
		Style:      style,
		Confidence: confidence,
		Reason:     strings.TrimSpace(result.Reason),
	}
}

func (s *Service) fallbackGuidance(userMessage string) Guidance {
	fallback := s.fallback
	if fallback == nil {
		fallback = analysis.Analyze
	}
	decision := fallback(userMessage)
	style := defaultStyleByEmotion[decision.Emotion]
	if style == "" {
		style = "保持温和、耐心的语气。"
	}

	confidence := 0.3
	if decision.Score > 0 {
		confidence = 0.55
	}

	return Guidance{
		Decision:   decision,
		Style:      style,
		Confidence: confidence,
		Reason:     "fallback",
	}
}

// parseClassifierOutput 解析大模型返回的 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func formatHistory(messages []chat.Utterance, limit int) string {
	if len(messages) == 0 {
		return "无历史对话"
	}
	if limit < 1 {
		limit = 1
	}
	start := len(messages) - limit
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		content := strings.TrimSpace(msg.Text)
		if content == "" {
			continue
		}
		role := "用户"
		if msg.Role == chat.RoleAssistant {
			role = "助手"
		}
		lines = append(lines, role+": "+content)
	}
	if len(lines) == 0 {
		return "无历史对话"
	}
	return strings.Join(lines, "\n")
}

func parseEmotionLabel(raw string) (analysis.Label, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == string(analysis.Concerned) || !analysis.Valid(normalized) {
		return "", false
	}
	return analysis.Label(normalized), true
}

func clampIntensity(val float64) float64 {
	if val <= 0 {
		return 0.5
	}
	if val > 1 {
		return 1
	}
	return val
}

type classifierPayload struct {
	Emotion    string  `json:"emotion"`
	Intensity  float64 `json:"intensity"`
	Confidence float64 `json:"confidence"`
	Style      string  `json:"style"`
	Reason     string  `json:"reason"`
}

const emotionSystemPrompt = "你是一名心理咨询场景下的情绪分析师。请阅读最近对话与用户输入，推断用户当前情绪，并给出回复应该采用的语气建议。\n输出要求：只返回一个 JSON 对象，字段如下：emotion (必须是 neutral/anxious/sad/angry/confused/hopeful 之一)、intensity (0~1 之间的小数，表示情绪强度)、confidence (0~1 之间的小数)、style (一句话描述建议的语气)、reason (简要中文理由)。不得输出多余文本。"

const emotionUserPrompt = "最近对话：\n{history}\n\n用户最新输入：\n{user_message}\n\n请基于这些信息给出 JSON。"

var defaultStyleByEmotion = map[analysis.Label]string{
	analysis.Neutral:  "语气平和、耐心，确保信息清晰。",
	analysis.Anxious:  "语气稳定、放慢节奏，先帮助用户平复紧张感。",
	analysis.Sad:      "语气柔和、富有同理心，适当安慰与陪伴。",
	analysis.Angry:    "语气沉稳、理性，先理解情绪再帮助纾解。",
	analysis.Confused: "语气清晰、有条理，帮助用户梳理思路。",
	analysis.Hopeful:  "语气积极温暖，肯定用户的努力与期待。",
}
