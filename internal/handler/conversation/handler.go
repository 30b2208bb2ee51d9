// Package conversation 提供会话记录与情绪画像的只读接口。
package conversation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/xinqiao/backend/internal/middleware"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	"github.com/zhouzirui/xinqiao/backend/internal/pipeline"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	chatService "github.com/zhouzirui/xinqiao/backend/internal/service/chat"
	"github.com/zhouzirui/xinqiao/backend/pkg/utils"
)

// Service 是只读接口依赖的能力
type Service interface {
	Transcript(ctx context.Context, conversationID, ownerID string) ([]chat.Turn, error)
	EmotionProfile(ctx context.Context, ownerID string) (*user.Profile, error)
}

type Handler struct {
	svc Service
	log *logger.Logger
}

func New(svc Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{svc: svc, log: log.With("handler", "conversation")}
}

// RegisterRoutes 注册会话与画像路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{conversationID}/messages", h.handleMessages)
	r.Get("/profile/emotion", h.handleEmotionProfile)
}

type messageView struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Role      chat.Role      `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type transcriptView struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []messageView `json:"messages"`
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	turns, err := h.svc.Transcript(r.Context(), convID, middleware.OwnerID(r))
	switch {
	case errors.Is(err, chatService.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, "not_found", "会话不存在")
		return
	case errors.Is(err, chatService.ErrForbidden):
		utils.RespondError(w, http.StatusForbidden, "forbidden", "无权访问该会话")
		return
	case err != nil:
		h.log.Error("load transcript failed", "conversation_id", convID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal_error", pipeline.GenericFailureMessage)
		return
	}

	view := transcriptView{ConversationID: convID, Messages: make([]messageView, 0, len(turns))}
	for _, t := range turns {
		view.Messages = append(view.Messages, messageView{
			ID:        t.ID,
			Seq:       t.Seq,
			Role:      t.Role,
			Content:   t.Content,
			Metadata:  t.Metadata,
			CreatedAt: t.CreatedAt,
		})
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

type profileView struct {
	UserID             string               `json:"user_id"`
	CurrentEmotion     string               `json:"current_emotion"`
	EmotionUpdatedAt   *time.Time           `json:"emotion_updated_at,omitempty"`
	EmotionHistory     []user.EmotionRecord `json:"emotion_history"`
	HasCrisisHistory   bool                 `json:"has_crisis_history"`
	MentalHealthStatus string               `json:"mental_health_status,omitempty"`
}

func (h *Handler) handleEmotionProfile(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerID(r)
	if owner == "" {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized", "需要登录后查看情绪画像")
		return
	}

	p, err := h.svc.EmotionProfile(r.Context(), owner)
	if err != nil {
		h.log.Error("load emotion profile failed", "owner_id", owner, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal_error", pipeline.GenericFailureMessage)
		return
	}

	view := profileView{UserID: owner, EmotionHistory: []user.EmotionRecord{}}
	if p != nil {
		view.CurrentEmotion = p.CurrentEmotion
		view.EmotionUpdatedAt = p.EmotionUpdatedAt
		view.HasCrisisHistory = p.HasCrisisHistory
		view.MentalHealthStatus = p.MentalHealthStatus
		if len(p.EmotionHistory) > 0 {
			view.EmotionHistory = p.EmotionHistory
		}
	}
	utils.RespondJSON(w, http.StatusOK, view)
}
