package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/store"
	"github.com/zhouzirui/xinqiao/backend/internal/store/memstore"
)

func newManager(t *testing.T, s store.Store) *Manager {
	t.Helper()
	return NewManager(s, Config{HydrationLimit: DefaultHydrationLimit}, nil)
}

func seedConversation(t *testing.T, s store.Store, owner, convID string, start time.Time, n int) {
	t.Helper()
	ctx := context.Background()
	o := owner
	_, err := s.EnsureConversation(ctx, chat.Conversation{ID: convID, OwnerID: &o})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		turn := chat.NewTurn(convID, role, fmt.Sprintf("%s-%d", convID, i), nil)
		turn.CreatedAt = start.Add(time.Duration(i) * time.Minute)
		_, err := s.AppendTurn(ctx, turn)
		require.NoError(t, err)
	}
}

func TestManager_AppendThenBufferRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memstore.New())
	key := chat.SessionKey{ConversationID: "c1"}

	_, err := m.EnsureConversation(ctx, key, "title")
	require.NoError(t, err)

	buf, err := m.Buffer(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Len())

	stored, err := m.AppendTurns(ctx, key,
		chat.NewTurn("", chat.RoleUser, "我今天很焦虑", nil),
		chat.NewTurn("", chat.RoleAssistant, "我在这里陪着你", map[string]any{"intent": "chat"}),
	)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 2, buf.Len())

	msgs := buf.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "我在这里陪着你", msgs[1].Text)

	transcript, err := m.Transcript(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, stored[1].ID, transcript[1].ID)
	assert.Equal(t, "chat", transcript[1].Metadata["intent"])
}

func TestManager_BufferRebuiltFromLog(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedConversation(t, s, "u1", "c1", time.Now().Add(-time.Hour), 4)

	m := newManager(t, s)
	buf, err := m.Buffer(ctx, chat.SessionKey{ConversationID: "c1", OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 4, buf.Len())
	assert.Empty(t, buf.HistoricalTurns())
}

func TestManager_HydrationCapsAndExcludesCurrent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	base := time.Now().Add(-24 * time.Hour)
	for c := 0; c < 3; c++ {
		seedConversation(t, s, "u1", fmt.Sprintf("old-%d", c), base.Add(time.Duration(c)*time.Hour), 5)
	}
	seedConversation(t, s, "u1", "current", base.Add(5*time.Hour), 2)
	seedConversation(t, s, "u2", "other-owner", base.Add(6*time.Hour), 3)

	m := newManager(t, s)
	buf, err := m.Buffer(ctx, chat.SessionKey{ConversationID: "current", OwnerID: "u1"})
	require.NoError(t, err)

	hist := buf.HistoricalTurns()
	require.Len(t, hist, DefaultHydrationLimit)
	for _, turn := range hist {
		assert.NotEqual(t, "current", turn.ConversationID)
		assert.NotEqual(t, "other-owner", turn.ConversationID)
	}
	assert.Equal(t, "old-1-0", hist[0].Content)
	assert.Equal(t, "old-2-4", hist[len(hist)-1].Content)

	msgs := buf.Messages()
	require.Len(t, msgs, DefaultHydrationLimit+2)
	assert.Equal(t, "current-1", msgs[len(msgs)-1].Text)
}

func TestManager_AnonymousSkipsHydration(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedConversation(t, s, "u1", "old", time.Now().Add(-time.Hour), 3)

	m := newManager(t, s)
	key := chat.SessionKey{ConversationID: "anon"}
	_, err := m.EnsureConversation(ctx, key, "")
	require.NoError(t, err)

	buf, err := m.Buffer(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, buf.HistoricalTurns())
}

func TestManager_BufferRejectsForeignOwner(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedConversation(t, s, "u1", "c1", time.Now(), 2)

	m := newManager(t, s)
	_, err := m.Buffer(ctx, chat.SessionKey{ConversationID: "c1", OwnerID: "u2"})
	assert.ErrorIs(t, err, store.ErrOwnerMismatch)
	assert.Equal(t, 0, m.Cache().Len())

	_, err = m.EnsureConversation(ctx, chat.SessionKey{ConversationID: "c1", OwnerID: "u2"}, "")
	assert.ErrorIs(t, err, store.ErrOwnerMismatch)
}

func TestManager_ConcurrentGetOrCreateSharesInstance(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{Store: memstore.New(), delay: 20 * time.Millisecond}
	m := newManager(t, s)
	key := chat.SessionKey{ConversationID: "c1", OwnerID: "u1"}

	const workers = 16
	var wg sync.WaitGroup
	got := make([]*Buffer, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := m.Buffer(ctx, key)
			assert.NoError(t, err)
			got[i] = b
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, m.Cache().Len())
	assert.Equal(t, 1, s.listCalls())
}

func TestManager_CurrentLoadFailureNotCached(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{Store: memstore.New(), failList: true}
	m := newManager(t, s)
	key := chat.SessionKey{ConversationID: "c1"}

	_, err := m.Buffer(ctx, key)
	require.Error(t, err)
	assert.Equal(t, 0, m.Cache().Len())

	s.setFailList(false)
	buf, err := m.Buffer(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, buf)
}

func TestManager_HydrationFailureIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{Store: memstore.New(), failOwner: true}
	seedConversation(t, s, "u1", "c1", time.Now(), 2)

	m := newManager(t, s)
	buf, err := m.Buffer(ctx, chat.SessionKey{ConversationID: "c1", OwnerID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, buf.HistoricalTurns())
	assert.Equal(t, 2, buf.Len())
}

func TestManager_AppendFailureReturnsPersistenceError(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memstore.New())
	key := chat.SessionKey{ConversationID: "missing"}

	buf, err := m.Buffer(ctx, key)
	require.NoError(t, err)

	_, err = m.AppendTurns(ctx, key, chat.NewTurn("", chat.RoleUser, "hi", nil))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, buf.Len())
}

func TestBuffer_AppendIgnoresDuplicates(t *testing.T) {
	key := chat.SessionKey{ConversationID: "c1"}
	t1 := chat.NewTurn("c1", chat.RoleUser, "a", nil)
	t1.Seq = 1
	t2 := chat.NewTurn("c1", chat.RoleAssistant, "b", nil)
	t2.Seq = 2

	b := newBuffer(key, nil, []chat.Turn{t1})
	b.append(t1, t2, t2)
	assert.Equal(t, 2, b.Len())

	foreign := chat.NewTurn("c2", chat.RoleUser, "x", nil)
	foreign.Seq = 9
	b.append(foreign)
	assert.Equal(t, 2, b.Len())
}

func TestManager_RecordEmotion(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memstore.New(), Config{EmotionHistoryLimit: 3}, nil)

	// 匿名用户不记录
	require.NoError(t, m.RecordEmotion(ctx, chat.SessionKey{ConversationID: "c1"}, "sad", 0.8, "msg"))

	key := chat.SessionKey{ConversationID: "c1", OwnerID: "u1"}
	long := ""
	for i := 0; i < 150; i++ {
		long += "难"
	}
	for i, e := range []string{"sad", "anxious", "neutral", "hopeful"} {
		msg := fmt.Sprintf("m%d", i)
		if i == 3 {
			msg = long
		}
		require.NoError(t, m.RecordEmotion(ctx, key, e, 0.7, msg))
	}

	p, err := m.Profile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "hopeful", p.CurrentEmotion)
	require.Len(t, p.EmotionHistory, 3)
	assert.Equal(t, "anxious", p.EmotionHistory[0].Emotion)
	last := p.EmotionHistory[2]
	assert.Equal(t, "c1", last.Context["conversation_id"])
	assert.Len(t, []rune(last.Context["message_content"].(string)), messageContextRunes)

	none, err := m.Profile(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// countingStore 统计加载次数并可注入故障。
type countingStore struct {
	store.Store
	delay time.Duration

	mu        sync.Mutex
	lists     int
	failList  bool
	failOwner bool
}

func (c *countingStore) ListTurns(ctx context.Context, id string) ([]chat.Turn, error) {
	c.mu.Lock()
	c.lists++
	fail := c.failList
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if fail {
		return nil, errors.New("log unavailable")
	}
	return c.Store.ListTurns(ctx, id)
}

func (c *countingStore) ListOwnerTurns(ctx context.Context, owner, exclude string, limit int) ([]chat.Turn, error) {
	c.mu.Lock()
	fail := c.failOwner
	c.mu.Unlock()
	if fail {
		return nil, errors.New("history unavailable")
	}
	return c.Store.ListOwnerTurns(ctx, owner, exclude, limit)
}

func (c *countingStore) listCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

func (c *countingStore) setFailList(v bool) {
	c.mu.Lock()
	c.failList = v
	c.mu.Unlock()
}

// slowAppendStore 在每次写入后停顿，放大并发写入的交错窗口。
type slowAppendStore struct {
	store.Store
	delay time.Duration
}

func (s *slowAppendStore) AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error) {
	out, err := s.Store.AppendTurn(ctx, turn)
	time.Sleep(s.delay)
	return out, err
}

func turnContents(turns []chat.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func TestManager_ConcurrentAppendsKeepBufferAndLogInSync(t *testing.T) {
	ctx := context.Background()
	s := &slowAppendStore{Store: memstore.New(), delay: 5 * time.Millisecond}
	m := newManager(t, s)
	key := chat.SessionKey{ConversationID: "c1", OwnerID: "u1"}

	_, err := m.EnsureConversation(ctx, key, "title")
	require.NoError(t, err)
	buf, err := m.Buffer(ctx, key)
	require.NoError(t, err)

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AppendTurns(ctx, key,
				chat.NewTurn("", chat.RoleUser, fmt.Sprintf("u%d", i), nil),
				chat.NewTurn("", chat.RoleAssistant, fmt.Sprintf("a%d", i), nil),
			)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	persisted, err := m.Transcript(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, persisted, writers*2)
	assert.Equal(t, turnContents(persisted), turnContents(buf.ConversationTurns()))

	// 同一次调用的问答在日志中相邻
	for i := 0; i < len(persisted); i += 2 {
		require.Equal(t, chat.RoleUser, persisted[i].Role)
		assert.Equal(t, "a"+persisted[i].Content[1:], persisted[i+1].Content)
	}
	assert.Equal(t, 0, m.locks.size())
}

func TestManager_AppendResyncsBufferOnSeqGap(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	m := newManager(t, s)
	key := chat.SessionKey{ConversationID: "c1"}

	_, err := m.EnsureConversation(ctx, key, "title")
	require.NoError(t, err)
	buf, err := m.Buffer(ctx, key)
	require.NoError(t, err)

	// 绕过管理器写入，缓冲区缺失 seq=1
	_, err = s.AppendTurn(ctx, chat.NewTurn("c1", chat.RoleUser, "outside", nil))
	require.NoError(t, err)

	_, err = m.AppendTurns(ctx, key, chat.NewTurn("", chat.RoleUser, "inside", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"outside", "inside"}, turnContents(buf.ConversationTurns()))
}

func TestBuffer_AppendReportsGap(t *testing.T) {
	key := chat.SessionKey{ConversationID: "c1"}
	t1 := chat.NewTurn("c1", chat.RoleUser, "a", nil)
	t1.Seq = 1
	t3 := chat.NewTurn("c1", chat.RoleUser, "c", nil)
	t3.Seq = 3

	b := newBuffer(key, nil, []chat.Turn{t1})
	assert.False(t, b.append(t3))
	assert.Equal(t, 1, b.Len())
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("c1")

	acquired := make(chan struct{})
	go func() {
		release := k.Lock("c1")
		close(acquired)
		release()
	}()

	// 其他键不受影响
	k.Lock("c2")()

	select {
	case <-acquired:
		t.Fatal("second lock on c1 acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired

	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}
