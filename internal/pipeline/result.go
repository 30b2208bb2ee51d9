package pipeline

import (
	"strings"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/emotion"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

// Result 是一次运行的汇总结果。
type Result struct {
	Intent            intent.Label        `json:"intent"`
	IntentConfidence  float64             `json:"intent_confidence"`
	Risk              risk.Assessment     `json:"risk_assessment"`
	Passages          []retrieval.Passage `json:"passages"`
	Response          string              `json:"final_response"`
	Emotion           emotion.Label       `json:"emotion"`
	EmotionConfidence float64             `json:"emotion_confidence"`
	ExecutionTime     float64             `json:"execution_time"`
	WorkflowPath      string              `json:"workflow_path"`
	SafetyTriggered   bool                `json:"safety_triggered"`
	DocumentsCount    int                 `json:"documents_count"`
	RetrievalFailed   bool                `json:"retrieval_failed"`
	RerankApplied     bool                `json:"rerank_applied"`
	RerankFallback    bool                `json:"rerank_fallback"`
}

// Metadata 返回写入助手发言的元数据，同时作为危机审计记录。
func (r *Result) Metadata() map[string]any {
	return map[string]any{
		"intent":            string(r.Intent),
		"intent_confidence": r.IntentConfidence,
		"emotion":           string(r.Emotion),
		"risk_tier":         r.Risk.Tier.String(),
		"matched_signals":   r.Risk.MatchedSignals,
		"safety_triggered":  r.SafetyTriggered,
		"documents_count":   r.DocumentsCount,
		"workflow_path":     r.WorkflowPath,
		"execution_time":    r.ExecutionTime,
	}
}

type workflow []string

func (w *workflow) add(stage string) { *w = append(*w, stage) }

func (w workflow) String() string { return strings.Join(w, "→") }
