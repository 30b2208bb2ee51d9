// Package store 定义会话日志与用户画像的持久化契约。
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
)

var (
	ErrNotFound       = errors.New("store: record not found")
	ErrConversationID = errors.New("store: conversation id is required")
	ErrInvalidTurn    = errors.New("store: turn role or content invalid")
	ErrOwnerRequired  = errors.New("store: owner id is required")
	ErrOwnerMismatch  = errors.New("store: conversation belongs to another owner")
)

// ConversationStore 是按会话只追加的发言日志，是对话历史的唯一可信来源。
type ConversationStore interface {
	// EnsureConversation 不存在时创建，已存在时原样返回。
	EnsureConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	// AppendTurn 分配 ID 与会话内递增的 Seq。
	AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error)
	// ListTurns 按 Seq 升序返回会话全部发言。
	ListTurns(ctx context.Context, conversationID string) ([]chat.Turn, error)
	// ListOwnerTurns 返回 owner 在其他会话中最近的 limit 条发言，按时间升序。
	ListOwnerTurns(ctx context.Context, ownerID, excludeConversationID string, limit int) ([]chat.Turn, error)
}

// ProfileStore 保存用户情绪画像。
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*user.Profile, error)
	// AppendEmotion 追加情绪记录，超过 limit 时淘汰最旧的记录。
	AppendEmotion(ctx context.Context, userID string, rec user.EmotionRecord, limit int) (*user.Profile, error)
	// UpsertProfile 写入临床标记等画像字段。
	UpsertProfile(ctx context.Context, p user.Profile) error
}

// Store 聚合全部持久化能力。
type Store interface {
	ConversationStore
	ProfileStore
}

// ValidateTurn 检查待写入的发言。
func ValidateTurn(turn chat.Turn) error {
	if turn.ConversationID == "" {
		return ErrConversationID
	}
	if !turn.Role.Valid() {
		return ErrInvalidTurn
	}
	return nil
}
