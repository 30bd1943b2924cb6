package repository

import (
	"testing"

	"github.com/nimasrn/otp-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Entities lists every table the gateway owns, in creation order.
func Entities() []any {
	return []any{&AccountEntity{}, &APIKeyEntity{}, &RentalEntity{}, &TransactionEntity{}}
}

// NewTestDB opens an in-memory sqlite database with the gateway schema.
// A single connection keeps every caller on the same in-memory database.
func NewTestDB(t testing.TB) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Entities()...))

	return pg.FromGorm(db, db)
}
