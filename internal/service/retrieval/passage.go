package retrieval

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Passage 是一条检索到的知识片段。
type Passage struct {
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SimilarityScore float64        `json:"similarity_score"`
	LexicalScore    *float64       `json:"lexical_rerank_score,omitempty"`
	Rank            int            `json:"rank"`
}

// Result 是检索阶段的输出，失败时 Passages 为空并标记 Failed。
type Result struct {
	Passages []Passage `json:"passages"`
	K        int       `json:"k"`
	Filtered int       `json:"filtered,omitempty"`
	Failed   bool      `json:"retrieval_failed"`
	Reason   string    `json:"reason,omitempty"`
}

// RerankResult 是重排阶段的输出。
type RerankResult struct {
	Passages []Passage `json:"passages"`
	Applied  bool      `json:"applied"`
	Fallback bool      `json:"fallback"`
	Reason   string    `json:"reason,omitempty"`
}

func fromDocuments(docs []*schema.Document) []Passage {
	out := make([]Passage, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		out = append(out, Passage{
			Content:         doc.Content,
			Metadata:        cloneMetadata(doc.MetaData),
			SimilarityScore: doc.Score(),
			Rank:            len(out) + 1,
		})
	}
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		// eino 以 "_" 前缀保存分数等内部字段
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
