package intent

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Label 是粗粒度的路由标签。
type Label string

const (
	Crisis       Label = "crisis"
	Consultation Label = "consultation"
	Knowledge    Label = "knowledge"
	Chat         Label = "chat"
)

// ErrInvalidText 表示文本无法分类。
var ErrInvalidText = errors.New("intent: text is not valid utf-8")

// Result 是意图分类结果。
type Result struct {
	Label      Label   `json:"intent"`
	Confidence float64 `json:"confidence"`
	Matched    string  `json:"matched,omitempty"`
}

type rule struct {
	label      Label
	confidence float64
	keywords   []string
}

// 按顺序匹配，先命中者生效。
var rules = []rule{
	{Crisis, 0.9, []string{"想死", "自杀", "结束生命", "不想活", "死了算了", "自残", "自伤"}},
	{Consultation, 0.8, []string{"焦虑", "抑郁", "压力", "困扰", "帮助", "难过", "痛苦"}},
	{Knowledge, 0.7, []string{"什么是", "如何", "为什么", "解释", "了解", "我是谁", "我是", "关于我", "个人信息", "我的", "介绍一下", "告诉我"}},
}

const chatConfidence = 0.6

// Fallback 是分类失败时的默认结果。
func Fallback() Result {
	return Result{Label: Consultation, Confidence: 0.5}
}

// Classify 根据关键词给出意图标签。
func Classify(text string) (Result, error) {
	if !utf8.ValidString(text) {
		return Result{}, ErrInvalidText
	}
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(normalized, kw) {
				return Result{Label: r.label, Confidence: r.confidence, Matched: kw}, nil
			}
		}
	}
	return Result{Label: Chat, Confidence: chatConfidence}, nil
}
