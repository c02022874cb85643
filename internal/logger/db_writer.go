package logger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	common_models "go-crm-sync/internal/common/models"
	"go-crm-sync/internal/database"

	"go.uber.org/zap/zapcore"
)

// LogEntry holds the data passed from Zap to the worker
type LogEntry struct {
	Level          zapcore.Level
	Message        string
	OrganizationID string
	IntegrationID  string
	RunID          string
	Caller         string
}

// DBLogWriter persists log rows from a buffered channel on one goroutine.
type DBLogWriter struct {
	insert  func(ctx context.Context, row common_models.Log) error
	logChan chan LogEntry
	done    chan struct{}
	once    sync.Once
}

func NewDBLogWriter(mongodb *database.MongodbDB) *DBLogWriter {
	coll := mongodb.DB.Collection("logs")
	return newDBLogWriter(func(ctx context.Context, row common_models.Log) error {
		_, err := coll.InsertOne(ctx, row)
		return err
	}, 1000)
}

func newDBLogWriter(insert func(context.Context, common_models.Log) error, buffer int) *DBLogWriter {
	w := &DBLogWriter{
		insert:  insert,
		logChan: make(chan LogEntry, buffer),
		done:    make(chan struct{}),
	}
	go w.processLogs()
	return w
}

// AddLog never blocks the caller; a full buffer drops the entry.
func (w *DBLogWriter) AddLog(entry LogEntry) {
	select {
	case w.logChan <- entry:
	default:
		fmt.Fprintln(os.Stderr, "DB Log Channel Full! Dropping log:", entry.Message)
	}
}

// Close drains buffered entries. AddLog must not be called afterwards.
func (w *DBLogWriter) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.logChan) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *DBLogWriter) processLogs() {
	defer close(w.done)
	for entry := range w.logChan {
		row := common_models.Log{
			Message:        entry.Message,
			OrganizationID: entry.OrganizationID,
			IntegrationID:  entry.IntegrationID,
			RunID:          entry.RunID,
			Caller:         entry.Caller,
			LogLevelId:     mapLevelToInt(entry.Level),
			CreatedOnUtc:   time.Now().UTC(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		// Errors are ignored to keep the app running.
		_ = w.insert(ctx, row)
		cancel()
	}
}

func mapLevelToInt(l zapcore.Level) int {
	switch l {
	case zapcore.DebugLevel:
		return 10
	case zapcore.InfoLevel:
		return 20
	case zapcore.WarnLevel:
		return 30
	case zapcore.ErrorLevel:
		return 40
	case zapcore.FatalLevel:
		return 50
	default:
		return 20
	}
}
