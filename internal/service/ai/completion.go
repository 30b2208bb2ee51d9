package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// 补全服务失败的分类。
var (
	ErrRateLimited       = errors.New("completion rate limited")
	ErrCompletionTimeout = errors.New("completion timed out")
	ErrServiceFailure    = errors.New("completion service failure")
	ErrEmptyCompletion   = errors.New("completion returned empty content")
)

// CompletionService 是大模型补全能力的最小契约。
type CompletionService interface {
	Complete(ctx context.Context, messages []*schema.Message) (string, error)
}

// ChatModelCompleter 基于 eino 的 BaseChatModel 实现 CompletionService。
type ChatModelCompleter struct {
	model model.BaseChatModel
	opts  []model.Option
}

func NewChatModelCompleter(m model.BaseChatModel, opts ...model.Option) *ChatModelCompleter {
	return &ChatModelCompleter{model: m, opts: opts}
}

func (c *ChatModelCompleter) Complete(ctx context.Context, messages []*schema.Message) (string, error) {
	if c == nil || c.model == nil {
		return "", fmt.Errorf("%w: chat model not configured", ErrServiceFailure)
	}
	msg, err := c.model.Generate(ctx, messages, c.opts...)
	if err != nil {
		return "", ClassifyError(ctx, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return msg.Content, nil
}

// ClassifyError 将底层错误归类为 RateLimited / Timeout / ServiceFailure 之一。
func ClassifyError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrCompletionTimeout), errors.Is(err, ErrServiceFailure):
		return err
	case errors.Is(err, context.DeadlineExceeded), ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCompletionTimeout, err)
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "429"),
		strings.Contains(text, "rate limit"),
		strings.Contains(text, "too many requests"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case strings.Contains(text, "timeout"), strings.Contains(text, "timed out"):
		return fmt.Errorf("%w: %w", ErrCompletionTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrServiceFailure, err)
	}
}
