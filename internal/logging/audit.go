package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LogAppender persists a single audit line. repo.Repository satisfies it.
type LogAppender interface {
	AppendLog(ctx context.Context, level, message string) error
}

// AuditHandler forwards every record to next and additionally stores records
// at or above minLevel through the appender. Storage failures are dropped so
// that logging never recurses into itself.
type AuditHandler struct {
	next     slog.Handler
	appender LogAppender
	minLevel slog.Level
	timeout  time.Duration
	prefix   string
	attrs    []slog.Attr
}

// NewAuditHandler wraps next. minLevel is usually slog.LevelWarn.
func NewAuditHandler(next slog.Handler, appender LogAppender, minLevel slog.Level) *AuditHandler {
	return &AuditHandler{
		next:     next,
		appender: appender,
		minLevel: minLevel,
		timeout:  2 * time.Second,
	}
}

// WithAudit returns a logger sharing base's handler with the audit sink attached.
func WithAudit(base *slog.Logger, appender LogAppender) *slog.Logger {
	if appender == nil {
		return base
	}
	return slog.New(NewAuditHandler(base.Handler(), appender, slog.LevelWarn))
}

func (h *AuditHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.minLevel
}

func (h *AuditHandler) Handle(ctx context.Context, rec slog.Record) error {
	var err error
	if h.next.Enabled(ctx, rec.Level) {
		err = h.next.Handle(ctx, rec)
	}
	if rec.Level >= h.minLevel && h.appender != nil {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		_ = h.appender.AppendLog(writeCtx, rec.Level.String(), h.format(rec))
		cancel()
	}
	return err
}

func (h *AuditHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &clone
}

func (h *AuditHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *AuditHandler) format(rec slog.Record) string {
	var b strings.Builder
	b.WriteString(rec.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})
	return b.String()
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, inner := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", inner)
		}
		return
	}
	fmt.Fprintf(b, " %s%s=%v", prefix, a.Key, a.Value.Any())
}
