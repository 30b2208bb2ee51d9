package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

// PipelineConfig 描述流水线预算与检索参数。
type PipelineConfig struct {
	Timeout             time.Duration
	MaxInputRunes       int
	RetrievalK          retrieval.KConfig
	MinScore            float64
	RerankTopN          int
	RerankMinCandidates int
	SegmentTokenizer    bool
}

func loadPipelineConfig() (PipelineConfig, error) {
	var (
		cfg PipelineConfig
		err error
	)
	defaults := retrieval.DefaultK()

	if cfg.Timeout, err = parseDurationEnv("PIPELINE_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxInputRunes, err = parseIntEnv("PIPELINE_MAX_INPUT_RUNES", 2000, 1); err != nil {
		return cfg, err
	}
	if cfg.RetrievalK.Crisis, err = parseIntEnv("RETRIEVAL_K_CRISIS", defaults.Crisis, 1); err != nil {
		return cfg, err
	}
	if cfg.RetrievalK.Knowledge, err = parseIntEnv("RETRIEVAL_K_KNOWLEDGE", defaults.Knowledge, 1); err != nil {
		return cfg, err
	}
	if cfg.RetrievalK.Default, err = parseIntEnv("RETRIEVAL_K_DEFAULT", defaults.Default, 1); err != nil {
		return cfg, err
	}

	minScore, err := parseOptionalFloatEnv("RETRIEVAL_MIN_SCORE")
	if err != nil {
		return cfg, err
	}
	if minScore != nil {
		if *minScore < 0 || *minScore > 1 {
			return cfg, fmt.Errorf("invalid RETRIEVAL_MIN_SCORE value %v: must be within [0, 1]", *minScore)
		}
		cfg.MinScore = *minScore
	}

	if cfg.RerankTopN, err = parseIntEnv("RERANK_TOP_N", retrieval.DefaultTopN, 1); err != nil {
		return cfg, err
	}
	if cfg.RerankMinCandidates, err = parseIntEnv("RERANK_MIN_CANDIDATES", retrieval.DefaultMinCandidates, 0); err != nil {
		return cfg, err
	}
	if cfg.SegmentTokenizer, err = parseBoolEnv("RERANK_SEGMENTER_ENABLED", true); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MemoryConfig 描述会话记忆参数。
type MemoryConfig struct {
	HydrationLimit      int
	EmotionHistoryLimit int
}

func loadMemoryConfig() (MemoryConfig, error) {
	hydration, err := parseIntEnv("MEMORY_HYDRATION_LIMIT", 10, 0)
	if err != nil {
		return MemoryConfig{}, err
	}
	emotions, err := parseIntEnv("EMOTION_HISTORY_LIMIT", user.DefaultEmotionHistoryLimit, 1)
	if err != nil {
		return MemoryConfig{}, err
	}
	return MemoryConfig{HydrationLimit: hydration, EmotionHistoryLimit: emotions}, nil
}

// RiskConfig 描述风险分级参数。
type RiskConfig struct {
	HistoryWindow  int
	VocabularyFile string
	Location       *time.Location
}

func loadRiskConfig() (RiskConfig, error) {
	window, err := parseIntEnv("RISK_HISTORY_WINDOW", 5, 0)
	if err != nil {
		return RiskConfig{}, err
	}
	tz := getEnvOrDefault("RISK_TIMEZONE", "Asia/Shanghai")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return RiskConfig{}, fmt.Errorf("invalid RISK_TIMEZONE value %q: %w", tz, err)
	}

	file := strings.TrimSpace(os.Getenv("RISK_VOCABULARY_FILE"))
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return RiskConfig{}, fmt.Errorf("invalid RISK_VOCABULARY_FILE: %w", err)
		}
	}
	return RiskConfig{HistoryWindow: window, VocabularyFile: file, Location: loc}, nil
}

// ClassifierOptions 返回构建风险分级器所需的选项，包括词表覆盖。
func (c RiskConfig) ClassifierOptions() ([]risk.Option, error) {
	opts := []risk.Option{risk.WithHistoryWindow(c.HistoryWindow)}
	if c.Location != nil {
		opts = append(opts, risk.WithLocation(c.Location))
	}
	if c.VocabularyFile != "" {
		vocab, err := risk.LoadVocabulary(c.VocabularyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, risk.WithVocabulary(vocab))
	}
	return opts, nil
}
