package risk

import (
	"fmt"
	"strings"
)

// Tier 是风险分级，取值有序，可直接比较大小。
type Tier int

const (
	None Tier = iota
	Low
	Medium
	High
	Critical
)

var tierNames = [...]string{"none", "low", "medium", "high", "critical"}

var levelNames = [...]string{"无危机", "低风险", "中等风险", "高风险", "极高风险"}

// 每级的固定置信度，两端高、中间低。
var tierConfidence = [...]float64{0.90, 0.70, 0.80, 0.85, 0.95}

func (t Tier) valid() bool { return t >= None && t <= Critical }

func (t Tier) String() string {
	if !t.valid() {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// LevelName 返回面向用户的中文等级名称。
func (t Tier) LevelName() string {
	if !t.valid() {
		return levelNames[Medium]
	}
	return levelNames[t]
}

// Confidence 返回该等级的固定置信度。
func (t Tier) Confidence() float64 {
	if !t.valid() {
		return tierConfidence[Medium]
	}
	return tierConfidence[t]
}

// RequiresIntervention 表示流水线需要在此处短路。
func (t Tier) RequiresIntervention() bool { return t >= High }

// Raise 将等级提升一档，但不超过 ceiling。
func (t Tier) Raise(ceiling Tier) Tier {
	if t >= ceiling {
		return t
	}
	return t + 1
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier 解析等级名称，大小写不敏感。
func ParseTier(s string) (Tier, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if name == normalized {
			return Tier(i), nil
		}
	}
	return None, fmt.Errorf("unknown risk tier %q", s)
}

func maxTier(tiers ...Tier) Tier {
	best := None
	for _, t := range tiers {
		if t > best {
			best = t
		}
	}
	return best
}
