// Package testutil provides shared helpers for the batch manager's tests: an
// in-memory sqlite store, a scriptable provider client, and fake delivery
// sinks with probe counters.
package testutil

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// OpenStore returns a migrated store on a fresh in-memory sqlite database.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A gorm pool with more than one connection would open independent
	// :memory: databases.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	st := store.New(db, zap.NewNop())
	require.NoError(t, st.AutoMigrate())
	t.Cleanup(func() { sqlDB.Close() })
	return st
}
