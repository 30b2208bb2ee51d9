package risk

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Vocabulary 是四级危机关键词表。
type Vocabulary struct {
	Critical []string `yaml:"critical"`
	High     []string `yaml:"high"`
	Medium   []string `yaml:"medium"`
	Low      []string `yaml:"low"`
}

// DefaultVocabulary 返回内置的中英文关键词表。
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Critical: []string{
			"自杀", "想死", "不想活", "结束生命", "了结自己", "自我了断",
			"跳楼", "上吊", "割腕", "服毒", "安眠药", "煤气",
			"死了算了", "活着没意思", "解脱", "一了百了",
			"suicide", "kill myself", "end my life", "want to die",
		},
		High: []string{
			"绝望", "无助", "痛苦", "折磨", "煎熬", "崩溃",
			"看不到希望", "没有未来", "活着痛苦", "生不如死",
			"自残", "自伤", "伤害自己", "惩罚自己",
			"hopeless", "helpless", "can't go on", "no point",
		},
		Medium: []string{
			"抑郁", "沮丧", "难过", "悲伤", "孤独", "空虚",
			"失眠", "噩梦", "焦虑", "恐慌", "害怕",
			"没有价值", "没用", "失败者", "废物",
			"depression", "sad", "lonely", "anxious", "worthless",
		},
		Low: []string{
			"烦躁", "郁闷", "不开心", "心情不好", "压力大",
			"疲惫", "累", "困扰", "担心", "紧张",
			"upset", "tired", "stressed", "worried", "nervous",
		},
	}
}

// LoadVocabulary 从 YAML 文件读取关键词表，缺省的等级沿用内置词表。
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("read risk vocabulary: %w", err)
	}

	var override Vocabulary
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Vocabulary{}, fmt.Errorf("parse risk vocabulary %s: %w", path, err)
	}

	vocab := DefaultVocabulary()
	if len(override.Critical) > 0 {
		vocab.Critical = override.Critical
	}
	if len(override.High) > 0 {
		vocab.High = override.High
	}
	if len(override.Medium) > 0 {
		vocab.Medium = override.Medium
	}
	if len(override.Low) > 0 {
		vocab.Low = override.Low
	}
	return vocab, nil
}

// normalized 返回小写、去空白、去空项后的副本。
func (v Vocabulary) normalized() Vocabulary {
	clean := func(words []string) []string {
		out := make([]string, 0, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				out = append(out, w)
			}
		}
		return out
	}
	return Vocabulary{
		Critical: clean(v.Critical),
		High:     clean(v.High),
		Medium:   clean(v.Medium),
		Low:      clean(v.Low),
	}
}
