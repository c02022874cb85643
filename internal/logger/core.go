package logger

import (
	"go.uber.org/zap/zapcore"
)

// Field keys copied onto persisted log rows.
const (
	OrganizationKey = "organization_id"
	IntegrationKey  = "integration_id"
	RunKey          = "run_id"
)

// DBCore tees every entry to the async DB writer before the wrapped core.
type DBCore struct {
	zapcore.Core
	writer *DBLogWriter
	fields []zapcore.Field
}

func NewDBCore(baseCore zapcore.Core, writer *DBLogWriter) zapcore.Core {
	return &DBCore{
		Core:   baseCore,
		writer: writer,
	}
}

// With keeps the context fields so logger.With(zap.String("run_id", ...))
// still reaches the DB row.
func (c *DBCore) With(fields []zapcore.Field) zapcore.Core {
	return &DBCore{
		Core:   c.Core.With(fields),
		writer: c.writer,
		fields: append(append([]zapcore.Field{}, c.fields...), fields...),
	}
}

func (c *DBCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	row := LogEntry{
		Level:   entry.Level,
		Message: entry.Message,
		Caller:  entry.Caller.Function,
	}
	for _, group := range [][]zapcore.Field{c.fields, fields} {
		for _, f := range group {
			if f.Type != zapcore.StringType {
				continue
			}
			switch f.Key {
			case OrganizationKey:
				row.OrganizationID = f.String
			case IntegrationKey:
				row.IntegrationID = f.String
			case RunKey:
				row.RunID = f.String
			}
		}
	}

	c.writer.AddLog(row)

	return c.Core.Write(entry, fields)
}

func (c *DBCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}
