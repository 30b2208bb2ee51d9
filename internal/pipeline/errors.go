package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ValidationError 表示输入在进入流水线前被拒绝。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TimeoutError 表示整次运行超出预算。
type TimeoutError struct {
	Stage  string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pipeline exceeded %s budget during %s", e.Budget, e.Stage)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// UpstreamServiceError 表示补全或检索能力调用失败。
type UpstreamServiceError struct {
	Service string
	Err     error
}

func (e *UpstreamServiceError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Service, e.Err)
}

func (e *UpstreamServiceError) Unwrap() error { return e.Err }

// SynthesisError 表示回复合成失败，运行以 TERMINAL_ERROR 结束。
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("answer synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ErrCanceled 表示调用方在运行过程中取消。
var ErrCanceled = errors.New("pipeline canceled")

// IsTimeout 判断错误链中是否包含 TimeoutError。
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// GenericFailureMessage 是面向用户的统一失败提示。
const GenericFailureMessage = "服务暂时不可用，请稍后再试"

// UserMessage 把错误转换为可以展示给用户的文案，不暴露内部细节。
func UserMessage(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return "消息内容无效，请检查后重试"
	case IsTimeout(err):
		return "处理超时，请稍后重试"
	default:
		return GenericFailureMessage
	}
}

// ErrorCode 返回错误的分类代码，用于事件与响应体。
func ErrorCode(err error) string {
	var (
		ve *ValidationError
		se *SynthesisError
		ue *UpstreamServiceError
	)
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.As(err, &ue):
		return "upstream_error"
	case errors.As(err, &se):
		return "synthesis_error"
	default:
		return "internal_error"
	}
}
