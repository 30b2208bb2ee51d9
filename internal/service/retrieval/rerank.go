package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
)

const (
	DefaultTopN          = 5
	DefaultMinCandidates = 3
)

// ErrEmptyVocabulary 表示查询与片段都没有可用词项。
var ErrEmptyVocabulary = errors.New("rerank: empty vocabulary")

// Reranker 以 TF-IDF 余弦相似度对检索结果重新排序。
type Reranker struct {
	tokenizer     Tokenizer
	topN          int
	minCandidates int
	log           *logger.Logger
}

// RerankOption 调整 Reranker 的参数。
type RerankOption func(*Reranker)

func WithTopN(n int) RerankOption {
	return func(r *Reranker) {
		if n > 0 {
			r.topN = n
		}
	}
}

// WithMinCandidates 候选数不超过该值时跳过重排。
func WithMinCandidates(n int) RerankOption {
	return func(r *Reranker) {
		if n >= 0 {
			r.minCandidates = n
		}
	}
}

func WithTokenizer(t Tokenizer) RerankOption {
	return func(r *Reranker) {
		if t != nil {
			r.tokenizer = t
		}
	}
}

func WithRerankLogger(log *logger.Logger) RerankOption {
	return func(r *Reranker) {
		if log != nil {
			r.log = log
		}
	}
}

func NewReranker(opts ...RerankOption) *Reranker {
	r := &Reranker{
		tokenizer:     UnicodeTokenizer{},
		topN:          DefaultTopN,
		minCandidates: DefaultMinCandidates,
		log:           logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "rerank")
	return r
}

// TopN 返回截断数量。
func (r *Reranker) TopN() int { return r.topN }

// Rerank 不会失败：计算出错时回退为原检索顺序并截断到 topN。
func (r *Reranker) Rerank(ctx context.Context, query string, passages []Passage) (out RerankResult) {
	if len(passages) <= r.minCandidates {
		// 不重排也要截断到 topN
		out := clonePassages(passages)
		if len(out) > r.topN {
			out = out[:r.topN]
		}
		return RerankResult{Passages: out}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("rerank panicked, using retrieval order", "panic", rec)
			out = r.fallback(passages, fmt.Sprintf("panic: %v", rec))
		}
	}()

	scored, err := r.score(ctx, query, passages)
	if err != nil {
		r.log.Warn("rerank failed, using retrieval order", "error", err)
		return r.fallback(passages, err.Error())
	}
	return RerankResult{Passages: scored, Applied: true}
}

func (r *Reranker) score(ctx context.Context, query string, passages []Passage) ([]Passage, error) {
	docs := make([][]string, 0, len(passages)+1)
	docs = append(docs, ngrams(r.tokenizer.Tokenize(query)))
	for _, p := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs = append(docs, ngrams(r.tokenizer.Tokenize(p.Content)))
	}

	vectors, err := tfidf(docs)
	if err != nil {
		return nil, err
	}

	out := clonePassages(passages)
	for i := range out {
		s := cosine(vectors[0], vectors[i+1])
		out[i].LexicalScore = &s
	}

	// 分数相同按原检索名次
	slices.SortStableFunc(out, func(a, b Passage) int {
		switch {
		case *a.LexicalScore > *b.LexicalScore:
			return -1
		case *a.LexicalScore < *b.LexicalScore:
			return 1
		}
		return a.Rank - b.Rank
	})

	if len(out) > r.topN {
		out = out[:r.topN]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func (r *Reranker) fallback(passages []Passage, reason string) RerankResult {
	out := clonePassages(passages)
	if len(out) > r.topN {
		out = out[:r.topN]
	}
	for i := range out {
		out[i].LexicalScore = nil
	}
	return RerankResult{Passages: out, Fallback: true, Reason: reason}
}

// ngrams 生成一元与二元词项。
func ngrams(tokens []string) []string {
	out := make([]string, 0, len(tokens)*2)
	out = append(out, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

// tfidf 使用平滑 idf：ln((1+n)/(1+df)) + 1，并做 L2 归一化。
func tfidf(docs [][]string) ([]map[string]float64, error) {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{}, len(doc))
		for _, term := range doc {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			df[term]++
		}
	}
	if len(df) == 0 {
		return nil, ErrEmptyVocabulary
	}

	n := float64(len(docs))
	vectors := make([]map[string]float64, len(docs))
	for i, doc := range docs {
		vec := make(map[string]float64, len(doc))
		for _, term := range doc {
			vec[term]++
		}
		var norm float64
		for term, tf := range vec {
			w := tf * (math.Log((1+n)/(1+float64(df[term]))) + 1)
			vec[term] = w
			norm += w * w
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for term := range vec {
				vec[term] /= norm
			}
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func cosine(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for term, w := range a {
		dot += w * b[term]
	}
	return dot
}

func clonePassages(in []Passage) []Passage {
	out := make([]Passage, len(in))
	copy(out, in)
	return out
}
