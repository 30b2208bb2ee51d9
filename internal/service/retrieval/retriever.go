package retrieval

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/components/retriever"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
)

// KConfig 按意图给出检索数量。
type KConfig struct {
	Crisis    int
	Knowledge int
	Default   int
}

// DefaultK 危机相关取得少以降低延迟，知识类取得多。
func DefaultK() KConfig {
	return KConfig{Crisis: 3, Knowledge: 8, Default: 5}
}

// For 返回某意图对应的 k。
func (k KConfig) For(label intent.Label) int {
	switch label {
	case intent.Crisis:
		if k.Crisis > 0 {
			return k.Crisis
		}
		return DefaultK().Crisis
	case intent.Knowledge:
		if k.Knowledge > 0 {
			return k.Knowledge
		}
		return DefaultK().Knowledge
	default:
		if k.Default > 0 {
			return k.Default
		}
		return DefaultK().Default
	}
}

// ErrIndexUnavailable 表示没有配置相似度检索能力。
var ErrIndexUnavailable = errors.New("retrieval: vector index unavailable")

// Searcher 对相似度检索能力发起一次查询。
type Searcher struct {
	index    retriever.Retriever
	k        KConfig
	minScore float64
	log      *logger.Logger
}

// NewSearcher index 可为 nil，此时每次检索都会以失败降级。
func NewSearcher(index retriever.Retriever, k KConfig, minScore float64, log *logger.Logger) *Searcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Searcher{index: index, k: k, minScore: minScore, log: log.With("component", "retrieval")}
}

// Retrieve 失败不会返回错误，而是返回空结果并标记 Failed。
// 相似度阈值先于重排生效，过滤后不足 k 条时不回填。
func (s *Searcher) Retrieve(ctx context.Context, query string, label intent.Label) Result {
	k := s.k.For(label)
	if s.index == nil {
		return Result{K: k, Failed: true, Reason: ErrIndexUnavailable.Error(), Passages: []Passage{}}
	}

	docs, err := s.index.Retrieve(ctx, query, retriever.WithTopK(k))
	if err != nil {
		s.log.Warn("similarity search failed", "k", k, "intent", label, "error", err)
		return Result{K: k, Failed: true, Reason: err.Error(), Passages: []Passage{}}
	}

	passages := fromDocuments(docs)
	if len(passages) > k {
		passages = passages[:k]
	}

	filtered := 0
	if s.minScore > 0 {
		kept := passages[:0]
		for _, p := range passages {
			if p.SimilarityScore < s.minScore {
				filtered++
				continue
			}
			p.Rank = len(kept) + 1
			kept = append(kept, p)
		}
		passages = kept
	}

	s.log.Debug("similarity search done", "k", k, "returned", len(passages), "filtered", filtered)
	return Result{Passages: passages, K: k, Filtered: filtered}
}
