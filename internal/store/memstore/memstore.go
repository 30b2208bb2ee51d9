// Package memstore 提供进程内的 store.Store 实现，适合本地开发与测试。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	"github.com/zhouzirui/xinqiao/backend/internal/store"
)

// Store 以读写锁保护的内存表保存会话、发言与画像。
type Store struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	turns         map[string][]chat.Turn
	profiles      map[string]*user.Profile
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		conversations: make(map[string]chat.Conversation),
		turns:         make(map[string][]chat.Turn),
		profiles:      make(map[string]*user.Profile),
	}
}

func (s *Store) EnsureConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	if conv.ID == "" {
		return chat.Conversation{}, store.ErrConversationID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conversations[conv.ID]; ok {
		if conv.Owner() != "" && existing.Owner() != "" && existing.Owner() != conv.Owner() {
			return chat.Conversation{}, store.ErrOwnerMismatch
		}
		return existing, nil
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	s.conversations[conv.ID] = conv
	s.turns[conv.ID] = make([]chat.Turn, 0, 16)
	return conv, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, store.ErrNotFound
	}
	return conv, nil
}

func (s *Store) AppendTurn(_ context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := store.ValidateTurn(turn); err != nil {
		return chat.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[turn.ConversationID]
	if !ok {
		return chat.Turn{}, store.ErrNotFound
	}

	existing := s.turns[turn.ConversationID]
	turn.ID = uuid.NewString()
	turn.Seq = int64(len(existing)) + 1
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.turns[turn.ConversationID] = append(existing, turn)
	conv.UpdatedAt = turn.CreatedAt
	s.conversations[turn.ConversationID] = conv
	return turn, nil
}

func (s *Store) ListTurns(_ context.Context, conversationID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[conversationID]
	if !ok {
		return []chat.Turn{}, nil
	}
	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

func (s *Store) ListOwnerTurns(_ context.Context, ownerID, excludeConversationID string, limit int) ([]chat.Turn, error) {
	if ownerID == "" {
		return nil, store.ErrOwnerRequired
	}
	if limit <= 0 {
		return []chat.Turn{}, nil
	}

	s.mu.RLock()
	var out []chat.Turn
	for id, conv := range s.conversations {
		if id == excludeConversationID || conv.Owner() != ownerID {
			continue
		}
		out = append(out, s.turns[id]...)
	}
	s.mu.RUnlock()

	// 先按时间倒序取最近 limit 条，再恢复为时间升序
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID > out[j].ConversationID
		}
		return out[i].Seq > out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []chat.Turn{}
	}
	return out, nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (*user.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneProfile(p), nil
}

func (s *Store) AppendEmotion(_ context.Context, userID string, rec user.EmotionRecord, limit int) (*user.Profile, error) {
	if userID == "" {
		return nil, store.ErrOwnerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		now := time.Now().UTC()
		p = &user.Profile{ID: userID, CreatedAt: now}
		s.profiles[userID] = p
	}
	p.Record(rec, limit)
	p.UpdatedAt = time.Now().UTC()
	return cloneProfile(p), nil
}

func (s *Store) UpsertProfile(_ context.Context, p user.Profile) error {
	if p.ID == "" {
		return store.ErrOwnerRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = cloneProfile(&p)
	return nil
}

func cloneProfile(p *user.Profile) *user.Profile {
	cp := *p
	cp.EmotionHistory = append(cp.EmotionHistory[:0:0], p.EmotionHistory...)
	return &cp
}
