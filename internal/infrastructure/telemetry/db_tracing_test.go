package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type tracedRow struct {
	ID   int
	Name string
}

func openTracedDB(t *testing.T, cfg telemetry.DBTracingConfig, log *zap.Logger) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tracedRow{}))
	require.NoError(t, db.Create(&tracedRow{ID: 1, Name: "Google Ads"}).Error)
	require.NoError(t, telemetry.NewDBTracingPlugin(cfg, log).Register(db))
	return db
}

func TestDBTracingPlugin(t *testing.T) {
	t.Run("queries produce spans", func(t *testing.T) {
		sr := setupTestTracer(t)
		db := openTracedDB(t, telemetry.DBTracingConfig{Enabled: true}, nil)

		var rows []tracedRow
		require.NoError(t, db.WithContext(context.Background()).Find(&rows).Error)
		require.Len(t, rows, 1)

		spans := sr.Ended()
		require.NotEmpty(t, spans)
		attrs := attrMap(spans[len(spans)-1].Attributes())
		assert.Equal(t, "traced_rows", attrs["db.sql.table"])
		assert.Equal(t, "1", attrs["db.rows_affected"])
	})

	t.Run("slow queries are logged", func(t *testing.T) {
		setupTestTracer(t)
		core, logs := observer.New(zap.WarnLevel)
		db := openTracedDB(t, telemetry.DBTracingConfig{Enabled: true, SlowQueryThresh: time.Nanosecond}, zap.New(core))

		var rows []tracedRow
		require.NoError(t, db.WithContext(context.Background()).Find(&rows).Error)

		assert.Equal(t, 1, logs.FilterMessage("Slow analytics query").Len())
	})

	t.Run("disabled registers nothing", func(t *testing.T) {
		sr := setupTestTracer(t)
		db := openTracedDB(t, telemetry.DBTracingConfig{}, nil)

		var rows []tracedRow
		require.NoError(t, db.WithContext(context.Background()).Find(&rows).Error)
		assert.Empty(t, sr.Ended())
	})
}
