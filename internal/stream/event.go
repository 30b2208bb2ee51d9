package stream

import (
	"time"

	"github.com/zhouzirui/xinqiao/backend/internal/pipeline"
)

// EventType 标识流式事件的种类。
type EventType string

const (
	EventStart         EventType = "start"
	EventProgress      EventType = "progress"
	EventFinalResponse EventType = "final_response"
	EventError         EventType = "error"
)

// Terminal 表示事件之后不会再有任何事件。
func (t EventType) Terminal() bool {
	return t == EventFinalResponse || t == EventError
}

// Event 是一次运行向客户端推送的单条事件。
type Event struct {
	Type           EventType        `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Message        string           `json:"message,omitempty"`
	Step           string           `json:"step,omitempty"`
	Data           map[string]any   `json:"data,omitempty"`
	Result         *pipeline.Result `json:"result,omitempty"`
	Code           string           `json:"code,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
