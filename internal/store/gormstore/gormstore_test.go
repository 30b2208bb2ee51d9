package gormstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zhouzirui/xinqiao/backend/internal/store"
	"github.com/zhouzirui/xinqiao/backend/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := Open(DriverSQLite, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := s.DB().DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t) })
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "whatever", nil)
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: turns.conversation_id, turns.seq")))
	assert.True(t, isUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "idx_turn_conversation_seq"`)))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
}
