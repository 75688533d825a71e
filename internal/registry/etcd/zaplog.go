package etcd

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"shardex/pkg/logx"
)

// newZapLogger routes the etcd client's own logs into logx.
// Only warnings and errors are forwarded; the client is chatty below that.
func newZapLogger(log logx.Logger) *zap.Logger {
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.WarnLevel })
	return zap.New(&logxCore{LevelEnabler: enabler, log: log.With(logx.String("comp", "etcd-client"))})
}

type logxCore struct {
	zapcore.LevelEnabler
	log    logx.Logger
	fields []zapcore.Field
}

func (c *logxCore) With(fields []zapcore.Field) zapcore.Core {
	cp := *c
	cp.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &cp
}

func (c *logxCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logxCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	out := make([]logx.Field, 0, len(enc.Fields))
	for k, v := range enc.Fields {
		out = append(out, logx.Any(k, v))
	}

	switch {
	case ent.Level >= zapcore.ErrorLevel:
		c.log.Error(ent.Message, out...)
	case ent.Level == zapcore.WarnLevel:
		c.log.Warn(ent.Message, out...)
	default:
		c.log.Debug(ent.Message, out...)
	}
	return nil
}

func (c *logxCore) Sync() error { return nil }
