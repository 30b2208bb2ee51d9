package emotion

import (
	"math"
	"strings"
)

// Label 表示回复合成时使用的情绪标签。
type Label string

const (
	Neutral   Label = "neutral"
	Anxious   Label = "anxious"
	Sad       Label = "sad"
	Angry     Label = "angry"
	Confused  Label = "confused"
	Hopeful   Label = "hopeful"
	Concerned Label = "concerned" // 仅用于危机短路时的安全回复
)

// Decision 给出情绪识别结果以及情绪强度 (0-1)。
type Decision struct {
	Emotion   Label
	Intensity float64
	Score     int
}

// Distressed 表示需要在回复中额外强调陪伴的情绪。
func (d Decision) Distressed() bool {
	return d.Emotion == Sad || d.Emotion == Anxious
}

var keywordBuckets = map[Label][]string{
	Anxious:  {"焦虑", "担心", "紧张", "不安", "恐惧", "anxious", "worried", "nervous"},
	Sad:      {"难过", "伤心", "沮丧", "失落", "痛苦", "绝望", "sad", "depressed", "lonely"},
	Angry:    {"愤怒", "生气", "恼火", "烦躁", "愤恨", "angry", "furious", "mad"},
	Confused: {"困惑", "迷茫", "不知道", "不明白", "疑惑", "confused", "lost"},
	Hopeful:  {"希望", "期待", "乐观", "积极", "向上", "hopeful", "looking forward"},
}

// 同分时按该顺序取值。
var labelPriority = []Label{Anxious, Sad, Angry, Confused, Hopeful}

// Analyze 根据用户话语推断情绪及强度。
func Analyze(text string) Decision {
	scored := scoreText(text)
	if scored.Score == 0 {
		return Decision{Emotion: Neutral, Intensity: 0.3}
	}

	// 每命中一个关键词 +0.2，感叹号额外加成
	matches := scored.Score / 3
	intensity := 0.3 + 0.2*float64(matches)
	exclamations := strings.Count(text, "!") + strings.Count(text, "！")
	intensity += 0.1 * float64(exclamations)
	intensity = math.Min(1, intensity)

	return Decision{Emotion: scored.Emotion, Intensity: intensity, Score: scored.Score}
}

func scoreText(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Emotion: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	bestLabel := Neutral
	bestScore := 0
	for _, label := range labelPriority {
		if s := scores[label]; s > bestScore {
			bestScore = s
			bestLabel = label
		}
	}
	return Decision{Emotion: bestLabel, Score: bestScore}
}

// Valid 判断字符串是否为已知情绪标签。
func Valid(label string) bool {
	switch Label(label) {
	case Neutral, Anxious, Sad, Angry, Confused, Hopeful, Concerned:
		return true
	}
	return false
}
