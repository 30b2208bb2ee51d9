package user

import (
	"time"

	"gorm.io/datatypes"
)

// 临床状态标记，由线下评估流程写入。
const (
	StatusSuicidalIdeation   = "suicidal_ideation"
	StatusSevereDepression   = "severe_depression"
	StatusModerateDepression = "moderate_depression"
	StatusAnxietyDisorder    = "anxiety_disorder"
)

// DefaultEmotionHistoryLimit 是情绪历史的默认容量。
const DefaultEmotionHistoryLimit = 50

// EmotionRecord 是情绪历史中的一条记录。
type EmotionRecord struct {
	Emotion    string         `json:"emotion"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
	Context    map[string]any `json:"context,omitempty"`
}

// Profile 聚合用户情绪画像与风险分级所需的临床提示。
type Profile struct {
	ID                 string                              `gorm:"type:varchar(64);primaryKey" json:"id"`
	CurrentEmotion     string                              `gorm:"type:varchar(32)" json:"currentEmotion"`
	EmotionUpdatedAt   *time.Time                          `json:"emotionUpdatedAt,omitempty"`
	EmotionHistory     datatypes.JSONSlice[EmotionRecord] `gorm:"type:json" json:"emotionHistory"`
	HasCrisisHistory   bool                                `gorm:"not null;default:false" json:"hasCrisisHistory"`
	MentalHealthStatus string                              `gorm:"type:varchar(64)" json:"mentalHealthStatus,omitempty"`
	CreatedAt          time.Time                           `json:"createdAt"`
	UpdatedAt          time.Time                           `json:"updatedAt"`
}

func (Profile) TableName() string { return "user_profile" }

// Record 追加一条情绪记录并按 FIFO 淘汰超出容量的旧记录。
func (p *Profile) Record(rec EmotionRecord, limit int) {
	if limit <= 0 {
		limit = DefaultEmotionHistoryLimit
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	history := append([]EmotionRecord(p.EmotionHistory), rec)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	p.EmotionHistory = datatypes.JSONSlice[EmotionRecord](history)
	p.CurrentEmotion = rec.Emotion
	ts := rec.Timestamp
	p.EmotionUpdatedAt = &ts
}
