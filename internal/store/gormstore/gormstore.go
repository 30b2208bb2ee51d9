// Package gormstore 基于 GORM 实现 store.Store，支持 sqlite 与 postgres。
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	"github.com/zhouzirui/xinqiao/backend/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	maxAppendAttempts = 3
)

// Store 基于 gorm.DB 的持久化实现。
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open 按驱动名建立连接并自动迁移表结构。
func Open(driver, dsn string, log *logger.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLogger(),
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite 单写者，限制连接数避免 database is locked
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db, log)
}

// New 包装已有连接并执行迁移。
func New(db *gorm.DB, log *logger.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if err := db.AutoMigrate(&chat.Conversation{}, &chat.Turn{}, &user.Profile{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db, log: log.With("service", "GormStore")}, nil
}

// DB 暴露底层连接，供健康检查使用。
func (s *Store) DB() *gorm.DB { return s.db }

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// isUniqueViolation 兼容开启与未开启 TranslateError 的连接。
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func newGormLogger() gormLogger.Interface {
	return gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func (s *Store) EnsureConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	if conv.ID == "" {
		return chat.Conversation{}, store.ErrConversationID
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	var out chat.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", conv.ID).Take(&out).Error
	})
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("ensure conversation: %w", err)
	}
	if conv.Owner() != "" && out.Owner() != "" && out.Owner() != conv.Owner() {
		return chat.Conversation{}, store.ErrOwnerMismatch
	}
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var out chat.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Conversation{}, store.ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

func (s *Store) AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := store.ValidateTurn(turn); err != nil {
		return chat.Turn{}, err
	}
	turn.ID = uuid.NewString()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var err error
	// MAX(seq)+1 在 READ COMMITTED 下可能与并发写入冲突，唯一索引冲突时重试
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&chat.Conversation{}).Where("id = ?", turn.ConversationID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return store.ErrNotFound
			}

			var maxSeq int64
			if err := tx.Model(&chat.Turn{}).
				Select("COALESCE(MAX(seq), 0)").
				Where("conversation_id = ?", turn.ConversationID).
				Scan(&maxSeq).Error; err != nil {
				return err
			}
			turn.Seq = maxSeq + 1

			if err := tx.Create(&turn).Error; err != nil {
				return err
			}
			return tx.Model(&chat.Conversation{}).
				Where("id = ?", turn.ConversationID).
				Update("updated_at", turn.CreatedAt).Error
		})
		if err == nil || !isUniqueViolation(err) {
			break
		}
		s.log.Warn("turn seq conflict, retrying", "conversation_id", turn.ConversationID, "attempt", attempt)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Turn{}, err
		}
		return chat.Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]chat.Turn, error) {
	var out []chat.Turn
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	if out == nil {
		out = []chat.Turn{}
	}
	return out, nil
}

func (s *Store) ListOwnerTurns(ctx context.Context, ownerID, excludeConversationID string, limit int) ([]chat.Turn, error) {
	if ownerID == "" {
		return nil, store.ErrOwnerRequired
	}
	if limit <= 0 {
		return []chat.Turn{}, nil
	}

	var out []chat.Turn
	if err := s.db.WithContext(ctx).
		Model(&chat.Turn{}).
		Select("conversation_turn.*").
		Joins("JOIN conversation ON conversation.id = conversation_turn.conversation_id").
		Where("conversation.owner_id = ? AND conversation_turn.conversation_id <> ?", ownerID, excludeConversationID).
		Order("conversation_turn.created_at DESC").
		Order("conversation_turn.conversation_id DESC").
		Order("conversation_turn.seq DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	// 恢复为时间升序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []chat.Turn{}
	}
	return out, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*user.Profile, error) {
	var p user.Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) AppendEmotion(ctx context.Context, userID string, rec user.EmotionRecord, limit int) (*user.Profile, error) {
	if userID == "" {
		return nil, store.ErrOwnerRequired
	}

	var p user.Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == DriverPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Where("id = ?", userID).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p = user.Profile{ID: userID}
		} else if err != nil {
			return err
		}
		p.Record(rec, limit)
		return tx.Save(&p).Error
	})
	if err != nil {
		return nil, fmt.Errorf("append emotion: %w", err)
	}
	return &p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p user.Profile) error {
	if p.ID == "" {
		return store.ErrOwnerRequired
	}
	return s.db.WithContext(ctx).Save(&p).Error
}
