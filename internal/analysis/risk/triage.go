package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
)

// ErrMalformedInput 表示输入文本无法安全地进行匹配。
var ErrMalformedInput = errors.New("risk: malformed input")

const (
	DefaultHistoryWindow = 5
	sustainedDistressMin = 3
	lateNightEndHour     = 6
)

// ProfileContext 是参与分级的用户画像提示。
type ProfileContext struct {
	HasCrisisHistory   bool
	MentalHealthStatus string
}

// Input 是一次分级所需的全部信息。
type Input struct {
	Message   string
	History   []string
	Profile   *ProfileContext
	Timestamp time.Time
}

// Assessment 是一次分级的结果。
type Assessment struct {
	Tier                 Tier      `json:"tier"`
	LevelName            string    `json:"level_name"`
	Confidence           float64   `json:"confidence"`
	MatchedSignals       []string  `json:"matched_signals"`
	RequiresIntervention bool      `json:"requires_intervention"`
	RequiresHuman        bool      `json:"requires_human"`
	Recommendations      []string  `json:"recommendations"`
	Resources            Resources `json:"resources"`
	Response             string    `json:"response,omitempty"`
	FailSafe             bool      `json:"fail_safe,omitempty"`
	Reason               string    `json:"reason,omitempty"`
}

// Option 调整 Classifier 的参数。
type Option func(*Classifier)

// WithHistoryWindow 设置参与历史信号计算的轮数。
func WithHistoryWindow(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithLocation 设置判断深夜时段使用的时区。
func WithLocation(loc *time.Location) Option {
	return func(c *Classifier) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithVocabulary 替换关键词表。
func WithVocabulary(v Vocabulary) Option {
	return func(c *Classifier) {
		c.vocab = v.normalized()
	}
}

// WithResources 替换热线资源。
func WithResources(r Resources) Option {
	return func(c *Classifier) {
		c.resources = r
	}
}

// Classifier 基于关键词级联的风险分级器，无状态，可并发使用。
type Classifier struct {
	vocab     Vocabulary
	window    int
	loc       *time.Location
	resources Resources
	now       func() time.Time
}

func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		vocab:     DefaultVocabulary().normalized(),
		window:    DefaultHistoryWindow,
		loc:       time.Local,
		resources: DefaultResources(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify 对消息、最近历史与画像三路信号取最大值。
// 返回错误时调用方必须使用 FailSafe 的结果，不能视为无风险。
func (c *Classifier) Classify(ctx context.Context, in Input) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	if !utf8.ValidString(in.Message) {
		return Assessment{}, fmt.Errorf("%w: message is not valid utf-8", ErrMalformedInput)
	}

	var signals []string

	messageTier, matched := c.scoreMessage(in.Message)
	signals = append(signals, matched...)

	historyTier, historySignals, err := c.scoreHistory(in.History)
	if err != nil {
		return Assessment{}, err
	}
	signals = append(signals, historySignals...)

	ts := in.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	contextTier, contextSignals := c.scoreContext(in.Profile, ts)
	signals = append(signals, contextSignals...)

	return c.assess(maxTier(messageTier, historyTier, contextTier), dedupe(signals)), nil
}

// FailSafe 返回分级失败时的保守结果：至少中等风险且需要干预。
func FailSafe(reason string) Assessment {
	return failSafe(reason, DefaultResources())
}

// FailSafe 与包级 FailSafe 相同，但使用分级器配置的求助资源。
func (c *Classifier) FailSafe(reason string) Assessment {
	return failSafe(reason, c.resources)
}

func failSafe(reason string, res Resources) Assessment {
	return Assessment{
		Tier:                 Medium,
		LevelName:            Medium.LevelName(),
		Confidence:           0.5,
		MatchedSignals:       []string{"安全检查系统异常"},
		RequiresIntervention: true,
		RequiresHuman:        true,
		Recommendations:      Recommendations(Medium),
		Resources:            res,
		Response:             SafetyResponse(Medium, res),
		FailSafe:             true,
		Reason:               reason,
	}
}

func (c *Classifier) assess(tier Tier, signals []string) Assessment {
	a := Assessment{
		Tier:                 tier,
		LevelName:            tier.LevelName(),
		Confidence:           tier.Confidence(),
		MatchedSignals:       signals,
		RequiresIntervention: tier.RequiresIntervention(),
		RequiresHuman:        tier == Critical,
		Recommendations:      Recommendations(tier),
		Resources:            c.resources,
	}
	if a.MatchedSignals == nil {
		a.MatchedSignals = []string{}
	}
	if a.RequiresIntervention {
		a.Response = SafetyResponse(tier, c.resources)
	}
	return a
}

// scoreMessage 按等级从高到低匹配，命中 critical 即返回。
func (c *Classifier) scoreMessage(text string) (Tier, []string) {
	normalized := strings.ToLower(text)
	if strings.TrimSpace(normalized) == "" {
		return None, nil
	}

	if hits := matchAll(normalized, c.vocab.Critical); len(hits) > 0 {
		return Critical, hits
	}

	var signals []string
	tier := None

	highHits := matchAll(normalized, c.vocab.High)
	signals = append(signals, highHits...)
	switch {
	case len(highHits) >= 2:
		tier = maxTier(tier, High)
	case len(highHits) == 1:
		tier = maxTier(tier, Medium)
	}

	mediumHits := matchAll(normalized, c.vocab.Medium)
	signals = append(signals, mediumHits...)
	switch {
	case len(mediumHits) >= 3:
		tier = maxTier(tier, Medium)
	case len(mediumHits) >= 1:
		tier = maxTier(tier, Low)
	}

	lowHits := matchAll(normalized, c.vocab.Low)
	signals = append(signals, lowHits...)
	if len(lowHits) > 0 {
		tier = maxTier(tier, Low)
	}

	return tier, signals
}

// scoreHistory 对最近 window 轮取最大值，持续低落时再升一档（不超过 high）。
func (c *Classifier) scoreHistory(history []string) (Tier, []string, error) {
	if len(history) == 0 {
		return None, nil, nil
	}
	if len(history) > c.window {
		history = history[len(history)-c.window:]
	}

	best := None
	distressed := 0
	var signals []string
	for _, msg := range history {
		if !utf8.ValidString(msg) {
			return None, nil, fmt.Errorf("%w: history entry is not valid utf-8", ErrMalformedInput)
		}
		tier, hits := c.scoreMessage(msg)
		if tier >= Low {
			distressed++
		}
		if tier > best {
			best = tier
		}
		for _, h := range hits {
			signals = append(signals, "history:"+h)
		}
	}

	if distressed >= sustainedDistressMin && best < High {
		best = best.Raise(High)
		signals = append(signals, "history:sustained_distress")
	}
	return best, signals, nil
}

func (c *Classifier) scoreContext(profile *ProfileContext, ts time.Time) (Tier, []string) {
	tier := None
	var signals []string

	if profile != nil {
		if profile.HasCrisisHistory {
			tier = maxTier(tier, Low)
			signals = append(signals, "context:crisis_history")
		}
		switch strings.ToLower(strings.TrimSpace(profile.MentalHealthStatus)) {
		case user.StatusSevereDepression, user.StatusSuicidalIdeation:
			tier = maxTier(tier, High)
			signals = append(signals, "context:"+profile.MentalHealthStatus)
		case user.StatusModerateDepression, user.StatusAnxietyDisorder:
			tier = maxTier(tier, Medium)
			signals = append(signals, "context:"+profile.MentalHealthStatus)
		}
	}

	if hour := ts.In(c.loc).Hour(); hour < lateNightEndHour {
		tier = maxTier(tier, Low)
		signals = append(signals, "context:late_night")
	}
	return tier, signals
}

func matchAll(text string, words []string) []string {
	var hits []string
	for _, w := range words {
		if strings.Contains(text, w) {
			hits = append(hits, w)
		}
	}
	return hits
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
