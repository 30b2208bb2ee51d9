// Package storetest 提供 store.Store 实现共用的契约测试。
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	"github.com/zhouzirui/xinqiao/backend/internal/store"
)

// Run 对 factory 返回的新实例执行全部契约用例。
func Run(t *testing.T, factory func(t *testing.T) store.Store) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("EnsureIdempotent", func(t *testing.T) { testEnsureIdempotent(t, factory(t)) })
	t.Run("AppendRequiresConversation", func(t *testing.T) { testAppendRequiresConversation(t, factory(t)) })
	t.Run("OwnerTurnsCapAndExclusion", func(t *testing.T) { testOwnerTurns(t, factory(t)) })
	t.Run("EmotionHistoryFIFO", func(t *testing.T) { testEmotionHistory(t, factory(t)) })
	t.Run("ProfileClinicalFlags", func(t *testing.T) { testProfileFlags(t, factory(t)) })
}

func ptr(s string) *string { return &s }

func testRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.EnsureConversation(ctx, chat.Conversation{ID: "conv-1", OwnerID: ptr("u1"), Title: "你好"})
	require.NoError(t, err)

	appended := []struct {
		role    chat.Role
		content string
	}{
		{chat.RoleUser, "我最近压力很大"},
		{chat.RoleAssistant, "听起来你最近很辛苦。"},
		{chat.RoleUser, "是的"},
	}
	for _, a := range appended {
		turn, err := s.AppendTurn(ctx, chat.NewTurn("conv-1", a.role, a.content, map[string]any{"intent": "consultation"}))
		require.NoError(t, err)
		assert.NotEmpty(t, turn.ID)
	}

	turns, err := s.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, len(appended))
	for i, a := range appended {
		assert.Equal(t, a.role, turns[i].Role)
		assert.Equal(t, a.content, turns[i].Content)
		assert.Equal(t, int64(i+1), turns[i].Seq)
	}
	assert.Equal(t, "consultation", turns[0].Metadata["intent"])

	empty, err := s.ListTurns(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testEnsureIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, err := s.EnsureConversation(ctx, chat.Conversation{ID: "conv-1", OwnerID: ptr("u1"), Title: "first"})
	require.NoError(t, err)

	second, err := s.EnsureConversation(ctx, chat.Conversation{ID: "conv-1", OwnerID: ptr("u1"), Title: "second"})
	require.NoError(t, err)
	assert.Equal(t, first.Title, second.Title)

	_, err = s.EnsureConversation(ctx, chat.Conversation{ID: "conv-1", OwnerID: ptr("u2")})
	require.ErrorIs(t, err, store.ErrOwnerMismatch)

	_, err = s.EnsureConversation(ctx, chat.Conversation{})
	require.ErrorIs(t, err, store.ErrConversationID)

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Owner())

	_, err = s.GetConversation(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testAppendRequiresConversation(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.AppendTurn(ctx, chat.NewTurn("ghost", chat.RoleUser, "hi", nil))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.AppendTurn(ctx, chat.NewTurn("ghost", chat.Role("system"), "hi", nil))
	require.ErrorIs(t, err, store.ErrInvalidTurn)
}

func testOwnerTurns(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	for c := 0; c < 3; c++ {
		id := fmt.Sprintf("old-%d", c)
		_, err := s.EnsureConversation(ctx, chat.Conversation{ID: id, OwnerID: ptr("u1")})
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			turn := chat.NewTurn(id, chat.RoleUser, fmt.Sprintf("%s-%d", id, i), nil)
			turn.CreatedAt = base.Add(time.Duration(c*10+i) * time.Minute)
			_, err := s.AppendTurn(ctx, turn)
			require.NoError(t, err)
		}
	}

	_, err := s.EnsureConversation(ctx, chat.Conversation{ID: "current", OwnerID: ptr("u1")})
	require.NoError(t, err)
	cur := chat.NewTurn("current", chat.RoleUser, "current-0", nil)
	cur.CreatedAt = base.Add(time.Hour)
	_, err = s.AppendTurn(ctx, cur)
	require.NoError(t, err)

	_, err = s.EnsureConversation(ctx, chat.Conversation{ID: "other-owner", OwnerID: ptr("u2")})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, chat.NewTurn("other-owner", chat.RoleUser, "not mine", nil))
	require.NoError(t, err)

	turns, err := s.ListOwnerTurns(ctx, "u1", "current", 10)
	require.NoError(t, err)
	require.Len(t, turns, 10)
	for i, turn := range turns {
		assert.NotEqual(t, "current", turn.ConversationID)
		assert.NotEqual(t, "other-owner", turn.ConversationID)
		if i > 0 {
			assert.False(t, turn.CreatedAt.Before(turns[i-1].CreatedAt), "turns must be chronological")
		}
	}
	assert.Equal(t, "old-1-0", turns[0].Content)
	assert.Equal(t, "old-2-4", turns[9].Content)

	_, err = s.ListOwnerTurns(ctx, "", "current", 10)
	require.ErrorIs(t, err, store.ErrOwnerRequired)
}

func testEmotionHistory(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := s.AppendEmotion(ctx, "u1", user.EmotionRecord{
			Emotion:    fmt.Sprintf("e%d", i),
			Confidence: 0.6,
			Context:    map[string]any{"conversation_id": "conv-1"},
		}, 4)
		require.NoError(t, err)
	}

	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.EmotionHistory, 4)
	assert.Equal(t, "e2", p.EmotionHistory[0].Emotion)
	assert.Equal(t, "e5", p.CurrentEmotion)
	require.NotNil(t, p.EmotionUpdatedAt)

	_, err = s.GetProfile(ctx, "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testProfileFlags(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertProfile(ctx, user.Profile{
		ID:                 "u1",
		HasCrisisHistory:   true,
		MentalHealthStatus: user.StatusAnxietyDisorder,
	}))

	_, err := s.AppendEmotion(ctx, "u1", user.EmotionRecord{Emotion: "anxious", Confidence: 0.7}, 50)
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.HasCrisisHistory)
	assert.Equal(t, user.StatusAnxietyDisorder, p.MentalHealthStatus)
	assert.Equal(t, "anxious", p.CurrentEmotion)
}
