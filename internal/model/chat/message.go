package chat

import (
	"time"

	"gorm.io/datatypes"
)

// Role 标识一条发言的来源。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid 判断角色是否为可持久化的取值。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Utterance 是一条不可变的发言。
type Utterance struct {
	Text      string    `json:"text"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn 是持久化在某个会话下的一条发言，只追加，不修改。
type Turn struct {
	ID             string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string            `gorm:"type:varchar(128);not null;index;uniqueIndex:idx_turn_conversation_seq,priority:1" json:"conversationId"`
	Seq            int64             `gorm:"not null;uniqueIndex:idx_turn_conversation_seq,priority:2" json:"seq"`
	Role           Role              `gorm:"type:varchar(16);not null" json:"role"`
	Content        string            `gorm:"type:text;not null" json:"content"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index" json:"createdAt"`
}

func (Turn) TableName() string { return "conversation_turn" }

// Utterance 返回该条记录对应的发言视图。
func (t Turn) Utterance() Utterance {
	return Utterance{Text: t.Content, Role: t.Role, Timestamp: t.CreatedAt}
}

// NewTurn 构造一条待持久化的发言，ID 与序号由存储层分配。
func NewTurn(conversationID string, role Role, content string, metadata map[string]any) Turn {
	turn := Turn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if len(metadata) > 0 {
		turn.Metadata = datatypes.JSONMap(metadata)
	}
	return turn
}
