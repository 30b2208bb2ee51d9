package chat

import "time"

// AnonymousOwner 是匿名会话在缓存键中的占位符。
const AnonymousOwner = "anonymous"

// Conversation 以 (conversation_id, owner_id?) 归组一组发言。
type Conversation struct {
	ID        string    `gorm:"type:varchar(128);primaryKey" json:"id"`
	OwnerID   *string   `gorm:"type:varchar(64);index" json:"ownerId,omitempty"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

func (Conversation) TableName() string { return "conversation" }

// Owner 返回会话所有者，匿名会话返回空串。
func (c Conversation) Owner() string {
	if c.OwnerID == nil {
		return ""
	}
	return *c.OwnerID
}

// SessionKey 是内存缓冲区的复合键。
type SessionKey struct {
	ConversationID string
	OwnerID        string
}

// Anonymous 表示会话没有可归属的用户。
func (k SessionKey) Anonymous() bool {
	return k.OwnerID == ""
}

func (k SessionKey) String() string {
	owner := k.OwnerID
	if owner == "" {
		owner = AnonymousOwner
	}
	return k.ConversationID + "_" + owner
}

// TitleFrom 以首条用户消息生成会话标题。
func TitleFrom(message string) string {
	const limit = 30
	runes := []rune(message)
	if len(runes) <= limit {
		return message
	}
	return string(runes[:limit]) + "..."
}
