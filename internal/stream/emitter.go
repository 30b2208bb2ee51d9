// Package stream 把一次流水线运行转换为有序的事件序列。
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/xinqiao/backend/internal/pipeline"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
)

const (
	defaultBuffer      = 8
	mirrorQueue        = 32
	mirrorPublishLimit = 2 * time.Second
)

// RunFunc 执行一次运行，并通过 observer 报告阶段进度。
type RunFunc func(ctx context.Context, observer pipeline.Observer) (*pipeline.Result, error)

// Sink 镜像已发出的事件，失败不影响主流程。
type Sink interface {
	Publish(ctx context.Context, conversationID string, ev Event) error
}

type Option func(*Emitter)

func WithSink(s Sink) Option {
	return func(e *Emitter) { e.sink = s }
}

func WithLogger(log *logger.Logger) Option {
	return func(e *Emitter) {
		if log != nil {
			e.log = log
		}
	}
}

func WithBuffer(n int) Option {
	return func(e *Emitter) {
		if n >= 0 {
			e.buffer = n
		}
	}
}

// Emitter 包装运行并保证事件顺序：start → progress* → 唯一的终止事件。
type Emitter struct {
	sink   Sink
	log    *logger.Logger
	buffer int
	now    func() time.Time
}

func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		log:    logger.NewNop(),
		buffer: defaultBuffer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stream 启动运行并返回事件通道，终止事件发出后通道关闭。
// ctx 取消后停止投递，运行本身的结果被丢弃。
func (e *Emitter) Stream(ctx context.Context, conversationID string, run RunFunc) <-chan Event {
	out := make(chan Event, e.buffer)
	s := &session{
		e:              e,
		ctx:            ctx,
		conversationID: conversationID,
		out:            out,
	}
	if e.sink != nil {
		s.mirrorCh = make(chan Event, mirrorQueue)
		go s.runMirror()
	}

	go func() {
		defer s.close()

		s.send(Event{Type: EventStart, Message: "开始处理您的消息"})

		result, err := run(ctx, func(p pipeline.Progress) {
			s.send(Event{Type: EventProgress, Step: p.Stage, Message: p.Message, Data: p.Data})
		})
		if err != nil {
			s.send(Event{
				Type:    EventError,
				Message: pipeline.UserMessage(err),
				Code:    pipeline.ErrorCode(err),
			})
			return
		}
		s.send(Event{Type: EventFinalResponse, Message: "处理完成", Result: result})
	}()

	return out
}

type session struct {
	e              *Emitter
	ctx            context.Context
	conversationID string

	mu       sync.Mutex
	out      chan Event
	mirrorCh chan Event
	closed   bool
}

// send 在终止事件之后丢弃一切事件。
func (s *session) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	ev.ConversationID = s.conversationID
	ev.Timestamp = s.e.now().UTC()

	select {
	case s.out <- ev:
	case <-s.ctx.Done():
		s.shut()
		return
	}
	s.enqueueMirror(ev)
	if ev.Type.Terminal() {
		s.shut()
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shut()
}

func (s *session) shut() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
	if s.mirrorCh != nil {
		close(s.mirrorCh)
	}
}

// enqueueMirror 不阻塞投递，队列满时丢弃镜像事件。
func (s *session) enqueueMirror(ev Event) {
	if s.mirrorCh == nil {
		return
	}
	select {
	case s.mirrorCh <- ev:
	default:
		s.e.log.Warn("event mirror queue full, dropping event",
			"conversation_id", s.conversationID,
			"type", string(ev.Type),
		)
	}
}

// runMirror 按顺序发布镜像事件，队列关闭且排空后退出。
func (s *session) runMirror() {
	for ev := range s.mirrorCh {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), mirrorPublishLimit)
		err := s.e.sink.Publish(ctx, s.conversationID, ev)
		cancel()
		if err != nil {
			s.e.log.Warn("event mirror publish failed",
				"conversation_id", s.conversationID,
				"type", string(ev.Type),
				"error", err,
			)
		}
	}
}
