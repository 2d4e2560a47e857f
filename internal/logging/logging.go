package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const (
	MessageIDKey       contextKey = "message_id"
	TopicArnKey        contextKey = "topic_arn"
	SubscriptionArnKey contextKey = "subscription_arn"
	WorkerKey          contextKey = "worker"
)

// Options selects the level and the optional JSON log file.
type Options struct {
	Level string
	File  string
}

// MultiHandler sends log records to multiple handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: newHandlers}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: newHandlers}
}

// ParseLevel maps debug|info|warn|error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Init installs the default logger: text on stdout, plus JSON to opts.File
// when set. The returned closer releases the file.
func Init(opts Options) (io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	// Custom time format: yyyy:mm:dd:HH:MM:SS -> 2006:01:02:15:04:05
	handlerOpts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format("2006:01:02:15:04:05"))
				}
			}
			return a
		},
	}

	stdoutHandler := slog.NewTextHandler(os.Stdout, handlerOpts)
	if opts.File == "" {
		slog.SetDefault(slog.New(stdoutHandler))
		return io.NopCloser(nil), nil
	}

	logFile, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.SetDefault(slog.New(stdoutHandler))
		return nil, fmt.Errorf("open log file %s: %w", opts.File, err)
	}

	jsonHandler := slog.NewJSONHandler(logFile, handlerOpts)
	slog.SetDefault(slog.New(NewMultiHandler(stdoutHandler, jsonHandler)))
	return logFile, nil
}

func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if val, ok := ctx.Value(WorkerKey).(string); ok {
		l = l.With("worker", val)
	}
	if val, ok := ctx.Value(MessageIDKey).(string); ok {
		l = l.With("message_id", val)
	}
	if val, ok := ctx.Value(TopicArnKey).(string); ok {
		l = l.With("topic_arn", val)
	}
	if val, ok := ctx.Value(SubscriptionArnKey).(string); ok {
		l = l.With("subscription_arn", val)
	}
	return l
}

func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, WorkerKey, name)
}

func WithMessage(ctx context.Context, messageID, topicArn string) context.Context {
	ctx = context.WithValue(ctx, MessageIDKey, messageID)
	return context.WithValue(ctx, TopicArnKey, topicArn)
}

func WithSubscription(ctx context.Context, arn string) context.Context {
	return context.WithValue(ctx, SubscriptionArnKey, arn)
}
