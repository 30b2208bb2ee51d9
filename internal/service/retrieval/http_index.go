package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

const maxErrorBodyBytes = 512

// IndexError 描述一次知识检索服务调用失败。
type IndexError struct {
	StatusCode int
	Timeout    bool
	Message    string
	Cause      error
}

func (e *IndexError) Error() string {
	if e == nil {
		return "knowledge search failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("knowledge search failed (status=%d timeout=%t): %s: %v", e.StatusCode, e.Timeout, e.Message, e.Cause)
	}
	return fmt.Sprintf("knowledge search failed (status=%d timeout=%t): %s", e.StatusCode, e.Timeout, e.Message)
}

func (e *IndexError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// HTTPIndex 通过 HTTP 调用外部知识检索服务，实现 eino 的 retriever.Retriever。
//
// 请求：POST {baseURL} {"query": "...", "k": 5}
// 响应：[{"content": "...", "metadata": {...}, "score": 0.83}, ...]，按相似度降序。
type HTTPIndex struct {
	url      string
	http     *http.Client
	defaultK int
}

var _ retriever.Retriever = (*HTTPIndex)(nil)

func NewHTTPIndex(url string, timeout time.Duration) (*HTTPIndex, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("knowledge search url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPIndex{
		url:      url,
		http:     &http.Client{Timeout: timeout},
		defaultK: DefaultK().Default,
	}, nil
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type searchHit struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

func (h *HTTPIndex) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	defaultK := h.defaultK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &defaultK}, opts...)
	k := defaultK
	if options.TopK != nil && *options.TopK > 0 {
		k = *options.TopK
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(searchRequest{Query: query, K: k}); err != nil {
		return nil, &IndexError{Message: "encode request failed", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &buf)
	if err != nil {
		return nil, &IndexError{Message: "build request failed", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, classifyCallError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &IndexError{StatusCode: resp.StatusCode, Message: "read response failed", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &IndexError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status body=%q", truncateBody(raw)),
		}
	}

	var hits []searchHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, &IndexError{StatusCode: resp.StatusCode, Message: "decode response failed", Cause: err}
	}

	docs := make([]*schema.Document, 0, len(hits))
	for _, hit := range hits {
		if strings.TrimSpace(hit.Content) == "" {
			continue
		}
		doc := &schema.Document{ID: hit.ID, Content: hit.Content, MetaData: hit.Metadata}
		docs = append(docs, doc.WithScore(hit.Score))
		if len(docs) == k {
			break
		}
	}
	return docs, nil
}

func classifyCallError(err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &IndexError{Timeout: timeout, Message: "request failed", Cause: err}
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
