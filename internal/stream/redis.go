package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "xinqiao:events"

// Publisher 是 RedisMirror 需要的最小 Redis 能力。
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisMirror 把事件发布到 <prefix>:<conversation_id> 频道，供审计与监控订阅。
type RedisMirror struct {
	rdb    Publisher
	prefix string
}

var _ Sink = (*RedisMirror)(nil)

func NewRedisMirror(rdb Publisher, prefix string) *RedisMirror {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisMirror{rdb: rdb, prefix: prefix}
}

// Channel 返回会话对应的频道名。
func (m *RedisMirror) Channel(conversationID string) string {
	return m.prefix + ":" + conversationID
}

func (m *RedisMirror) Publish(ctx context.Context, conversationID string, ev Event) error {
	if m == nil || m.rdb == nil {
		return fmt.Errorf("redis mirror not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.rdb.Publish(ctx, m.Channel(conversationID), raw).Err()
}
