// Package memory 管理三层会话记忆：进程内缓冲、持久化会话日志与跨会话历史注入。
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	"github.com/zhouzirui/xinqiao/backend/internal/store"
)

const (
	DefaultHydrationLimit = 10
	messageContextRunes   = 100
)

// PersistenceError 表示持久化写入失败。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config 控制记忆管理器。
type Config struct {
	HydrationLimit      int
	EmotionHistoryLimit int
}

// Manager 协调缓冲区缓存与持久化存储。
type Manager struct {
	store store.Store
	cache *Cache
	locks *keyedMutex
	cfg   Config
	log   *logger.Logger
}

func NewManager(s store.Store, cfg Config, log *logger.Logger) *Manager {
	if cfg.HydrationLimit < 0 {
		cfg.HydrationLimit = 0
	}
	if cfg.EmotionHistoryLimit <= 0 {
		cfg.EmotionHistoryLimit = user.DefaultEmotionHistoryLimit
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		store: s,
		cache: NewCache(),
		locks: newKeyedMutex(),
		cfg:   cfg,
		log:   log.With("component", "memory"),
	}
}

// Cache 暴露缓冲区缓存。
func (m *Manager) Cache() *Cache { return m.cache }

// EnsureConversation 在首次写入前创建会话记录。
func (m *Manager) EnsureConversation(ctx context.Context, key chat.SessionKey, title string) (chat.Conversation, error) {
	conv := chat.Conversation{ID: key.ConversationID, Title: title}
	if !key.Anonymous() {
		owner := key.OwnerID
		conv.OwnerID = &owner
	}
	out, err := m.store.EnsureConversation(ctx, conv)
	if err != nil {
		if errors.Is(err, store.ErrOwnerMismatch) {
			return chat.Conversation{}, err
		}
		return chat.Conversation{}, &PersistenceError{Op: "conversation", Err: err}
	}
	return out, nil
}

// Buffer 返回会话缓冲区，首次访问时从存储重建。
func (m *Manager) Buffer(ctx context.Context, key chat.SessionKey) (*Buffer, error) {
	if key.ConversationID == "" {
		return nil, store.ErrConversationID
	}
	return m.cache.GetOrCreate(ctx, key, func(ctx context.Context) (*Buffer, error) {
		// 与 AppendTurns 互斥，避免重建期间的写入既不在快照里也不进缓冲
		unlock := m.locks.Lock(key.ConversationID)
		defer unlock()
		return m.hydrate(ctx, key)
	})
}

func (m *Manager) hydrate(ctx context.Context, key chat.SessionKey) (*Buffer, error) {
	conv, err := m.store.GetConversation(ctx, key.ConversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load conversation %s: %w", key.ConversationID, err)
	case conv.Owner() != "" && conv.Owner() != key.OwnerID:
		return nil, store.ErrOwnerMismatch
	}

	var historical []chat.Turn
	if !key.Anonymous() && m.cfg.HydrationLimit > 0 {
		historical, err = m.store.ListOwnerTurns(ctx, key.OwnerID, key.ConversationID, m.cfg.HydrationLimit)
		if err != nil {
			// 跨会话历史只是增强，失败不影响当前会话
			m.log.Warn("historical hydration failed", "owner_id", key.OwnerID, "error", err)
			historical = nil
		}
		if len(historical) > m.cfg.HydrationLimit {
			historical = historical[len(historical)-m.cfg.HydrationLimit:]
		}
	}

	turns, err := m.store.ListTurns(ctx, key.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load turns for %s: %w", key.ConversationID, err)
	}

	m.log.Debug("buffer hydrated",
		"conversation_id", key.ConversationID,
		"historical", len(historical),
		"turns", len(turns),
	)
	return newBuffer(key, historical, turns), nil
}

// AppendTurns 先写持久化日志，成功后再追加到缓冲区。
// 同一会话的写入串行执行，一次调用内的发言在日志中相邻。
// 返回错误时已成功写入的发言仍会进入缓冲区，保证两者一致。
func (m *Manager) AppendTurns(ctx context.Context, key chat.SessionKey, turns ...chat.Turn) ([]chat.Turn, error) {
	unlock := m.locks.Lock(key.ConversationID)
	defer unlock()

	stored := make([]chat.Turn, 0, len(turns))
	var persistErr error
	for _, t := range turns {
		t.ConversationID = key.ConversationID
		saved, err := m.store.AppendTurn(ctx, t)
		if err != nil {
			persistErr = &PersistenceError{Op: "turn", Err: err}
			break
		}
		stored = append(stored, saved)
	}

	if b, ok := m.cache.Get(key); ok && len(stored) > 0 && !b.append(stored...) {
		m.resync(ctx, b)
	}
	return stored, persistErr
}

// resync 在缓冲区与日志出现断档时从日志重建当前会话部分。
func (m *Manager) resync(ctx context.Context, b *Buffer) {
	id := b.Key().ConversationID
	turns, err := m.store.ListTurns(ctx, id)
	if err != nil {
		// 重建失败时丢弃缓冲区，下次访问重新加载
		m.log.Warn("buffer resync failed, evicting", "conversation_id", id, "error", err)
		m.cache.Delete(b.Key())
		return
	}
	m.log.Warn("buffer out of sync with log, rebuilt", "conversation_id", id, "turns", len(turns))
	b.reset(turns)
}

// Transcript 从持久化日志读取会话全部发言。
func (m *Manager) Transcript(ctx context.Context, conversationID string) ([]chat.Turn, error) {
	return m.store.ListTurns(ctx, conversationID)
}

// Conversation 返回会话记录。
func (m *Manager) Conversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	return m.store.GetConversation(ctx, conversationID)
}

// RecordEmotion 仅对可归属的用户更新情绪画像。
func (m *Manager) RecordEmotion(ctx context.Context, key chat.SessionKey, emotion string, confidence float64, message string) error {
	if key.Anonymous() || emotion == "" {
		return nil
	}
	runes := []rune(message)
	if len(runes) > messageContextRunes {
		runes = runes[:messageContextRunes]
	}
	rec := user.EmotionRecord{
		Emotion:    emotion,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
		Context: map[string]any{
			"conversation_id": key.ConversationID,
			"message_content": string(runes),
		},
	}
	if _, err := m.store.AppendEmotion(ctx, key.OwnerID, rec, m.cfg.EmotionHistoryLimit); err != nil {
		return &PersistenceError{Op: "emotion profile", Err: err}
	}
	return nil
}

// Profile 返回用户画像，不存在时返回 nil。
func (m *Manager) Profile(ctx context.Context, ownerID string) (*user.Profile, error) {
	if ownerID == "" {
		return nil, nil
	}
	p, err := m.store.GetProfile(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}
