// pipelinetester 在命令行中直接调用分级、意图、重排与完整对话流程，便于人工验证。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/intent"
	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/app"
	"github.com/zhouzirui/xinqiao/backend/internal/config"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	chatService "github.com/zhouzirui/xinqiao/backend/internal/service/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/service/retrieval"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pipelinetester",
		Short:        "手动验证心理对话流水线的各个阶段",
		SilenceUsage: true,
	}
	root.AddCommand(newTriageCmd(), newIntentCmd(), newRerankCmd(), newChatCmd())
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newTriageCmd() *cobra.Command {
	var (
		history       []string
		status        string
		crisisHistory bool
		at            string
		vocabFile     string
	)
	cmd := &cobra.Command{
		Use:   "triage <message>",
		Short: "对单条消息执行风险分级",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				ts = parsed
			}

			opts := []risk.Option{risk.WithLocation(ts.Location())}
			if vocabFile != "" {
				vocab, err := risk.LoadVocabulary(vocabFile)
				if err != nil {
					return err
				}
				opts = append(opts, risk.WithVocabulary(vocab))
			}

			in := risk.Input{Message: args[0], History: history, Timestamp: ts}
			if status != "" || crisisHistory {
				in.Profile = &risk.ProfileContext{HasCrisisHistory: crisisHistory, MentalHealthStatus: status}
			}
			classifier := risk.NewClassifier(opts...)
			assessment, err := classifier.Classify(cmd.Context(), in)
			if err != nil {
				assessment = classifier.FailSafe(err.Error())
			}
			return printJSON(cmd.OutOrStdout(), assessment)
		},
	}
	cmd.Flags().StringArrayVar(&history, "history", nil, "此前的用户消息，可重复")
	cmd.Flags().StringVar(&status, "status", "", "心理健康状态标记，如 suicidal_ideation")
	cmd.Flags().BoolVar(&crisisHistory, "crisis-history", false, "用户有危机史")
	cmd.Flags().StringVar(&at, "at", "", "消息时间 (RFC3339)，默认当前时间")
	cmd.Flags().StringVar(&vocabFile, "vocab", "", "关键词表 YAML 文件")
	return cmd
}

func newIntentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intent <message>",
		Short: "识别消息意图",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := intent.Classify(args[0])
			if err != nil {
				res = intent.Fallback()
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newRerankCmd() *cobra.Command {
	var (
		query    string
		passages []string
		topN     int
		segment  bool
	)
	cmd := &cobra.Command{
		Use:   "rerank",
		Short: "按 TF-IDF 余弦相似度重排候选段落",
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" || len(passages) == 0 {
				return fmt.Errorf("--query and at least one --passage are required")
			}
			in := make([]retrieval.Passage, len(passages))
			for i, p := range passages {
				in[i] = retrieval.Passage{Content: p, Rank: i + 1}
			}
			opts := []retrieval.RerankOption{retrieval.WithTopN(topN), retrieval.WithMinCandidates(0)}
			if segment {
				opts = append(opts, retrieval.WithTokenizer(retrieval.NewSegmentTokenizer()))
			}
			res := retrieval.NewReranker(opts...).Rerank(cmd.Context(), query, in)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "查询文本")
	cmd.Flags().StringArrayVar(&passages, "passage", nil, "候选段落，按检索顺序重复传入")
	cmd.Flags().IntVar(&topN, "top", retrieval.DefaultTopN, "保留条数")
	cmd.Flags().BoolVar(&segment, "segment", false, "使用 gse 中文分词")
	return cmd
}

func newChatCmd() *cobra.Command {
	var (
		conversationID string
		owner          string
		streamMode     bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "使用当前环境配置运行完整对话流程",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Observability.LogMode)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			application, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer application.Close(context.Background())

			req := chatService.Request{Message: args[0], ConversationID: conversationID, OwnerID: owner}
			out := cmd.OutOrStdout()
			if !streamMode {
				resp, err := application.Chat.Respond(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(out, resp)
			}

			_, events, err := application.Chat.Stream(ctx, req)
			if err != nil {
				return err
			}
			for ev := range events {
				if err := printJSON(out, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "会话 ID，留空自动生成")
	cmd.Flags().StringVar(&owner, "user", "", "用户 ID，留空为匿名")
	cmd.Flags().BoolVar(&streamMode, "stream", false, "逐条输出流式事件")
	return cmd
}
