package memory

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
)

// Buffer 是单个会话的进程内消息缓冲，是持久化日志之上的缓存。
type Buffer struct {
	key chat.SessionKey

	mu         sync.RWMutex
	historical []chat.Turn
	turns      []chat.Turn
}

func newBuffer(key chat.SessionKey, historical, turns []chat.Turn) *Buffer {
	return &Buffer{
		key:        key,
		historical: append([]chat.Turn(nil), historical...),
		turns:      append([]chat.Turn(nil), turns...),
	}
}

func (b *Buffer) Key() chat.SessionKey { return b.key }

// Messages 返回用于构建提示词的全部发言：先跨会话历史，后当前会话。
func (b *Buffer) Messages() []chat.Utterance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]chat.Utterance, 0, len(b.historical)+len(b.turns))
	for _, t := range b.historical {
		out = append(out, t.Utterance())
	}
	for _, t := range b.turns {
		out = append(out, t.Utterance())
	}
	return out
}

// ConversationTurns 只返回当前会话的发言副本。
func (b *Buffer) ConversationTurns() []chat.Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]chat.Turn(nil), b.turns...)
}

// HistoricalTurns 返回创建时注入的跨会话历史。
func (b *Buffer) HistoricalTurns() []chat.Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]chat.Turn(nil), b.historical...)
}

// Len 返回当前会话的发言数。
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// append 只接收 Seq 大于已有最大值的发言，重复写入不会产生重复项。
// 发现 Seq 不连续时返回 false，调用方应从日志重建。
func (b *Buffer) append(turns ...chat.Turn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var last int64
	if n := len(b.turns); n > 0 {
		last = b.turns[n-1].Seq
	}
	for _, t := range turns {
		if t.ConversationID != b.key.ConversationID || t.Seq <= last {
			continue
		}
		if t.Seq != last+1 {
			return false
		}
		b.turns = append(b.turns, t)
		last = t.Seq
	}
	return true
}

// reset 用持久化日志替换当前会话部分，跨会话历史保持不变。
func (b *Buffer) reset(turns []chat.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append([]chat.Turn(nil), turns...)
}

// Cache 按复合键保存缓冲区，同一键的并发首次访问只构建一次。
type Cache struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{buffers: make(map[string]*Buffer)}
}

// Get 返回已存在的缓冲区。
func (c *Cache) Get(key chat.SessionKey) (*Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buffers[key.String()]
	return b, ok
}

// GetOrCreate 不存在时调用 build 构建；build 失败不会缓存任何内容。
func (c *Cache) GetOrCreate(ctx context.Context, key chat.SessionKey, build func(ctx context.Context) (*Buffer, error)) (*Buffer, error) {
	if b, ok := c.Get(key); ok {
		return b, nil
	}

	id := key.String()
	v, err, _ := c.group.Do(id, func() (any, error) {
		if b, ok := c.Get(key); ok {
			return b, nil
		}
		// 构建结果由所有等待者共享，不能被单个调用方的取消打断
		b, err := build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.buffers[id] = b
		c.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Buffer), nil
}

// Delete 移除缓冲区。
func (c *Cache) Delete(key chat.SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, key.String())
}

// Len 返回缓存的缓冲区数量。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffers)
}
