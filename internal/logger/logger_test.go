package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	common_models "go-crm-sync/internal/common/models"
)

type capture struct {
	mu   sync.Mutex
	rows []common_models.Log
}

func (c *capture) insert(_ context.Context, row common_models.Log) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, row)
	return nil
}

func TestDBCoreCopiesRunContext(t *testing.T) {
	sink := &capture{}
	writer := newDBLogWriter(sink.insert, 10)
	base, observed := observer.New(zapcore.InfoLevel)
	log := zap.New(NewDBCore(base, writer))

	runLog := log.With(zap.String(OrganizationKey, "org-1"), zap.String(IntegrationKey, "int-9"))
	runLog.Info("Sync run finished", zap.String(RunKey, "run-3"), zap.Int("records_processed", 4))
	log.Debug("filtered out")

	require.NoError(t, writer.Close(context.Background()))

	require.Len(t, sink.rows, 1)
	row := sink.rows[0]
	assert.Equal(t, "Sync run finished", row.Message)
	assert.Equal(t, "org-1", row.OrganizationID)
	assert.Equal(t, "int-9", row.IntegrationID)
	assert.Equal(t, "run-3", row.RunID)
	assert.Equal(t, 20, row.LogLevelId)
	assert.WithinDuration(t, time.Now().UTC(), row.CreatedOnUtc, time.Minute)

	assert.Equal(t, 1, observed.FilterMessage("Sync run finished").Len())
}

func TestDBLogWriterDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &capture{}
	writer := newDBLogWriter(func(ctx context.Context, row common_models.Log) error {
		<-block
		return sink.insert(ctx, row)
	}, 1)

	for i := 0; i < 5; i++ {
		writer.AddLog(LogEntry{Level: zapcore.WarnLevel, Message: "x"})
	}
	close(block)
	require.NoError(t, writer.Close(context.Background()))

	assert.LessOrEqual(t, len(sink.rows), 2)
	assert.NotEmpty(t, sink.rows)
}

func TestMapLevelToInt(t *testing.T) {
	assert.Equal(t, 10, mapLevelToInt(zapcore.DebugLevel))
	assert.Equal(t, 40, mapLevelToInt(zapcore.ErrorLevel))
	assert.Equal(t, 20, mapLevelToInt(zapcore.DPanicLevel))
}
