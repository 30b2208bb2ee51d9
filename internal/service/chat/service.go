// Package chat 是会话层：装载记忆、执行流水线、持久化发言并更新情绪画像。
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/xinqiao/backend/internal/analysis/risk"
	"github.com/zhouzirui/xinqiao/backend/internal/memory"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	"github.com/zhouzirui/xinqiao/backend/internal/pipeline"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	"github.com/zhouzirui/xinqiao/backend/internal/store"
	"github.com/zhouzirui/xinqiao/backend/internal/stream"
)

var (
	ErrForbidden            = errors.New("conversation belongs to another user")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Runner 是会话层依赖的流水线能力。
type Runner interface {
	Validate(input string) error
	Run(ctx context.Context, input string, history []chat.Utterance, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

// Request 是一次对话请求。
type Request struct {
	Message        string
	ConversationID string
	OwnerID        string
}

// Response 是非流式对话的结果。
type Response struct {
	ConversationID string
	Result         *pipeline.Result
}

// Service 串联记忆管理与流水线。
type Service struct {
	runner  Runner
	memory  *memory.Manager
	emitter *stream.Emitter
	log     *logger.Logger
	now     func() time.Time
}

func NewService(runner Runner, mem *memory.Manager, emitter *stream.Emitter, log *logger.Logger) *Service {
	if emitter == nil {
		emitter = stream.NewEmitter()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		runner:  runner,
		memory:  mem,
		emitter: emitter,
		log:     log.With("component", "chat"),
		now:     time.Now,
	}
}

// NewConversationID 生成 user_<owner>_<yyyyMMdd_HHmmss>_<8位uuid> 形式的会话 ID。
func NewConversationID(ownerID string, now time.Time) string {
	owner := ownerID
	if owner == "" {
		owner = chat.AnonymousOwner
	}
	return fmt.Sprintf("user_%s_%s_%s", owner, now.Format("20060102_150405"), uuid.NewString()[:8])
}

// Respond 执行一次非流式对话。
func (s *Service) Respond(ctx context.Context, req Request) (Response, error) {
	turn, err := s.prepare(ctx, req)
	if err != nil {
		return Response{}, err
	}
	result, err := s.execute(ctx, turn, nil)
	if err != nil {
		return Response{ConversationID: turn.key.ConversationID}, err
	}
	return Response{ConversationID: turn.key.ConversationID, Result: result}, nil
}

// Stream 执行一次流式对话，返回会话 ID 与事件通道。
// 会话校验失败时同步返回错误，不会产生任何事件。
func (s *Service) Stream(ctx context.Context, req Request) (string, <-chan stream.Event, error) {
	turn, err := s.prepare(ctx, req)
	if err != nil {
		return "", nil, err
	}
	events := s.emitter.Stream(ctx, turn.key.ConversationID, func(ctx context.Context, obs pipeline.Observer) (*pipeline.Result, error) {
		return s.execute(ctx, turn, obs)
	})
	return turn.key.ConversationID, events, nil
}

// Transcript 返回会话的持久化记录，归属他人的会话返回 ErrForbidden。
func (s *Service) Transcript(ctx context.Context, conversationID, ownerID string) ([]chat.Turn, error) {
	conv, err := s.memory.Conversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.Owner() != "" && conv.Owner() != ownerID {
		return nil, ErrForbidden
	}
	return s.memory.Transcript(ctx, conversationID)
}

// EmotionProfile 返回用户的情绪画像。
func (s *Service) EmotionProfile(ctx context.Context, ownerID string) (*user.Profile, error) {
	return s.memory.Profile(ctx, ownerID)
}

type preparedTurn struct {
	key     chat.SessionKey
	message string
	history []chat.Utterance
	profile *risk.ProfileContext
}

func (s *Service) prepare(ctx context.Context, req Request) (preparedTurn, error) {
	if err := s.runner.Validate(req.Message); err != nil {
		return preparedTurn{}, err
	}

	owner := strings.TrimSpace(req.OwnerID)
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = NewConversationID(owner, s.now())
	}
	key := chat.SessionKey{ConversationID: convID, OwnerID: owner}
	log := s.log.With("conversation_id", convID, "owner_id", owner)

	if _, err := s.memory.EnsureConversation(ctx, key, chat.TitleFrom(req.Message)); err != nil {
		if errors.Is(err, store.ErrOwnerMismatch) {
			return preparedTurn{}, ErrForbidden
		}
		// 会话记录写入失败不阻塞回复，后续追加发言时会再次记录错误
		log.Error("ensure conversation failed", "error", err)
	}

	var history []chat.Utterance
	buf, err := s.memory.Buffer(ctx, key)
	switch {
	case errors.Is(err, store.ErrOwnerMismatch):
		return preparedTurn{}, ErrForbidden
	case err != nil:
		log.Error("load conversation buffer failed, continuing without history", "error", err)
	default:
		history = buf.Messages()
	}

	var profile *risk.ProfileContext
	if !key.Anonymous() {
		p, err := s.memory.Profile(ctx, owner)
		if err != nil {
			log.Warn("load user profile failed", "error", err)
		} else if p != nil {
			profile = &risk.ProfileContext{
				HasCrisisHistory:   p.HasCrisisHistory,
				MentalHealthStatus: p.MentalHealthStatus,
			}
		}
	}

	return preparedTurn{key: key, message: req.Message, history: history, profile: profile}, nil
}

func (s *Service) execute(ctx context.Context, turn preparedTurn, obs pipeline.Observer) (*pipeline.Result, error) {
	opts := []pipeline.RunOption{pipeline.WithTimestamp(s.now())}
	if turn.profile != nil {
		opts = append(opts, pipeline.WithProfile(turn.profile))
	}
	if obs != nil {
		opts = append(opts, pipeline.WithObserver(obs))
	}

	result, err := s.runner.Run(ctx, turn.message, turn.history, opts...)
	if err != nil {
		return nil, err
	}

	// 已完成的运行总是完整落库，客户端断开时只丢弃结果
	s.persist(context.WithoutCancel(ctx), turn, result)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrCanceled, ctx.Err())
	}
	return result, nil
}

func (s *Service) persist(ctx context.Context, turn preparedTurn, result *pipeline.Result) {
	log := s.log.With("conversation_id", turn.key.ConversationID, "owner_id", turn.key.OwnerID)

	_, err := s.memory.AppendTurns(ctx, turn.key,
		chat.NewTurn(turn.key.ConversationID, chat.RoleUser, turn.message, nil),
		chat.NewTurn(turn.key.ConversationID, chat.RoleAssistant, result.Response, result.Metadata()),
	)
	if err != nil {
		log.Error("persist turns failed, durable log is behind delivered response", "error", err)
	}

	// 只有合成成功的回复才更新情绪画像
	if result.SafetyTriggered || turn.key.Anonymous() {
		return
	}
	if err := s.memory.RecordEmotion(ctx, turn.key, string(result.Emotion), result.EmotionConfidence, turn.message); err != nil {
		log.Error("update emotion profile failed", "error", err)
	}
}
