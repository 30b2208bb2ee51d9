package user

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEvictsOldestFirst(t *testing.T) {
	p := &Profile{ID: "u1"}
	for i := 0; i < 7; i++ {
		p.Record(EmotionRecord{Emotion: fmt.Sprintf("e%d", i), Confidence: 0.5}, 5)
	}

	require.Len(t, p.EmotionHistory, 5)
	assert.Equal(t, "e2", p.EmotionHistory[0].Emotion)
	assert.Equal(t, "e6", p.EmotionHistory[4].Emotion)
	assert.Equal(t, "e6", p.CurrentEmotion)
	require.NotNil(t, p.EmotionUpdatedAt)
}

func TestRecordDefaultLimit(t *testing.T) {
	p := &Profile{ID: "u1"}
	for i := 0; i < DefaultEmotionHistoryLimit+3; i++ {
		p.Record(EmotionRecord{Emotion: "sad"}, 0)
	}
	assert.Len(t, p.EmotionHistory, DefaultEmotionHistoryLimit)
}
