package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/xinqiao/backend/internal/middleware"
	"github.com/zhouzirui/xinqiao/backend/internal/pipeline"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	chatService "github.com/zhouzirui/xinqiao/backend/internal/service/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/stream"
	"github.com/zhouzirui/xinqiao/backend/pkg/utils"
)

const defaultModel = "xinqiao-pipeline"

// Service 是聊天处理器依赖的会话能力
type Service interface {
	Respond(ctx context.Context, req chatService.Request) (chatService.Response, error)
	Stream(ctx context.Context, req chatService.Request) (string, <-chan stream.Event, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	svc      Service
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// New 创建聊天处理器
func New(svc Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		svc: svc,
		log: log.With("handler", "chat"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chat/ws", h.handleWebSocket)
}

// Request 是对话请求体
type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Stream         bool   `json:"stream"`
	Model          string `json:"model,omitempty"`
}

// Completion 是非流式响应的补全风格信封
type Completion struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Choices           []Choice       `json:"choices"`
	Usage             Usage          `json:"usage"`
	SystemFingerprint string         `json:"system_fingerprint"`
	Metadata          map[string]any `json:"metadata"`
}

type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage 以空白分词粗略估计用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload Request
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid_request", "请求格式错误")
		return
	}

	req := chatService.Request{
		Message:        payload.Message,
		ConversationID: payload.ConversationID,
		OwnerID:        middleware.OwnerID(r),
	}
	if payload.Stream {
		h.handleStream(w, r, req)
		return
	}

	resp, err := h.svc.Respond(r.Context(), req)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newCompletion(payload, resp, time.Now()))
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req chatService.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "internal_error", pipeline.GenericFailureMessage)
		return
	}

	convID, events, err := h.svc.Stream(r.Context(), req)
	if err != nil {
		h.respondFailure(w, err)
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	for ev := range events {
		if err := utils.SendSSEChunk(w, flusher, ev); err != nil {
			// 客户端已断开，继续消费直到通道关闭
			h.log.Debug("sse write failed", "conversation_id", convID, "error", err)
			continue
		}
	}
	if err := utils.SendSSEDone(w, flusher); err != nil {
		h.log.Debug("sse done write failed", "conversation_id", convID, "error", err)
	}
}

func newCompletion(payload Request, resp chatService.Response, now time.Time) Completion {
	result := resp.Result
	model := payload.Model
	if model == "" {
		model = defaultModel
	}
	prompt := len(strings.Fields(payload.Message))
	completion := len(strings.Fields(result.Response))

	return Completion{
		ID:      "chatcmpl-" + resp.ConversationID,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChoiceMessage{Role: "assistant", Content: result.Response},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		SystemFingerprint: "xinqiao-mental-health",
		Metadata: map[string]any{
			"conversation_id":  resp.ConversationID,
			"intent":           string(result.Intent),
			"emotion":          string(result.Emotion),
			"confidence":       result.IntentConfidence,
			"execution_time":   result.ExecutionTime,
			"risk_level":       result.Risk.Tier.String(),
			"safety_triggered": result.SafetyTriggered,
			"workflow_path":    result.WorkflowPath,
			"documents_count":  result.DocumentsCount,
		},
	}
}

// respondFailure 把错误映射为状态码，响应体只包含面向用户的文案
func (h *Handler) respondFailure(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("chat request failed", "error", err)
	}
	code := pipeline.ErrorCode(err)
	message := pipeline.UserMessage(err)
	switch {
	case errors.Is(err, chatService.ErrForbidden):
		code, message = "forbidden", "无权访问该会话"
	case errors.Is(err, chatService.ErrConversationNotFound):
		code, message = "not_found", "会话不存在"
	}
	utils.RespondError(w, status, code, message)
}

// StatusFor 返回错误对应的 HTTP 状态码
func StatusFor(err error) int {
	var ve *pipeline.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chatService.ErrConversationNotFound):
		return http.StatusNotFound
	case pipeline.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrCanceled):
		// nginx 风格的客户端关闭请求
		return 499
	default:
		return http.StatusInternalServerError
	}
}
