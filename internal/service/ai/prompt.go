package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
)

// PromptTemplate 定义某类意图下的回复要求。
type PromptTemplate struct {
	Focus []string
	Rules []string
}

// PromptManager 按意图管理系统提示词模板。
type PromptManager struct {
	base      string
	templates map[intent.Label]*PromptTemplate
}

// PromptContext 是渲染系统提示词所需的上下文。
type PromptContext struct {
	Intent          intent.Label
	Documents       string
	History         string
	SafetyTriggered bool
	RiskLevel       string
	EmotionHint     string
}

func NewPromptManager() *PromptManager {
	pm := &PromptManager{
		base:      counselorPrompt,
		templates: make(map[intent.Label]*PromptTemplate),
	}
	pm.loadDefaultTemplates()
	return pm
}

// GetPromptTemplate returns the template registered for an intent.
func (pm *PromptManager) GetPromptTemplate(label intent.Label) (*PromptTemplate, error) {
	template, exists := pm.templates[label]
	if !exists {
		return nil, fmt.Errorf("prompt template not found for intent: %s", label)
	}
	return template, nil
}

// BuildSystemPrompt 渲染完整的系统提示词，未知意图回退到咨询模板。
func (pm *PromptManager) BuildSystemPrompt(pc PromptContext) string {
	template, err := pm.GetPromptTemplate(pc.Intent)
	if err != nil {
		template = pm.templates[intent.Consultation]
	}

	documents := strings.TrimSpace(pc.Documents)
	if documents == "" {
		documents = "无相关文档"
	}
	history := strings.TrimSpace(pc.History)
	if history == "" {
		history = "无对话历史"
	}

	var b strings.Builder
	b.WriteString(pm.base)
	if len(template.Focus) > 0 {
		b.WriteString("\n\n本次回复重点：\n- ")
		b.WriteString(strings.Join(template.Focus, "\n- "))
	}
	if len(template.Rules) > 0 {
		b.WriteString("\n\n回复原则：\n- ")
		b.WriteString(strings.Join(template.Rules, "\n- "))
	}
	fmt.Fprintf(&b, "\n\n当前分析：\n- 用户意图：%s\n- 相关文档：%s\n- 对话历史：%s\n- 安全状态：%t", pc.Intent, documents, history, pc.SafetyTriggered)
	if pc.RiskLevel != "" {
		fmt.Fprintf(&b, "\n- 风险评估：%s", pc.RiskLevel)
	}
	if pc.EmotionHint != "" {
		b.WriteString("\n- 情绪状态：")
		b.WriteString(pc.EmotionHint)
	}
	b.WriteString("\n\n请生成一个既专业又温暖的回复，让用户感受到被理解和支持。")
	return b.String()
}

const counselorPrompt = `你是一位专业、温暖、有同理心的AI心理健康助手。请根据用户的输入、意图和相关文档生成专业回复。

回复结构要求：
1. 首先表达对用户的理解和共情
2. 简要分析用户的情况（基于意图和情绪）
3. 提供专业的建议或支持
4. 如果有相关文档，要自然地融入回复中
5. 以鼓励和支持的话语结束`

func (pm *PromptManager) loadDefaultTemplates() {
	shared := []string{
		"保持专业性和同理心",
		"避免诊断或提供医疗建议",
		"鼓励用户在需要时寻求专业帮助",
	}

	pm.templates[intent.Consultation] = &PromptTemplate{
		Focus: []string{
			"倾听并确认用户的感受",
			"结合相关文档给出可操作的小建议",
		},
		Rules: append([]string{"保持温暖、支持性的语调"}, shared...),
	}
	pm.templates[intent.Knowledge] = &PromptTemplate{
		Focus: []string{
			"用通俗的语言解释心理健康相关概念",
			"优先引用相关文档中的内容，不要编造出处",
		},
		Rules: append([]string{"条理清晰，必要时分点说明"}, shared...),
	}
	pm.templates[intent.Crisis] = &PromptTemplate{
		Focus: []string{
			"优先确认用户当下是否安全",
			"明确给出危机干预热线等求助渠道",
		},
		Rules: append([]string{"语气稳定而坚定，不要评判用户"}, shared...),
	}
	pm.templates[intent.Chat] = &PromptTemplate{
		Focus: []string{
			"自然地回应用户的闲聊",
			"留意对话中可能流露的情绪变化",
		},
		Rules: append([]string{"简洁友好，不必过度分析"}, shared...),
	}
}
