package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

const (
	OutputStderr  = "stderr"
	OutputStdout  = "stdout"
	OutputDiscard = "discard"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds the attributes stored by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	// copy, so sibling contexts do not share the backing array
	a = append(a[:len(a):len(a)], attrs...)
	return context.WithValue(ctx, slogKey, a)
}

type Options struct {
	Verbose bool
	// Output is stderr, stdout, discard or a file path.
	Output string
	// Mirror duplicates file output to stderr.
	Mirror bool
}

// New returns a JSON logger as configured by opts and a function releasing
// the log file, if any.
func New(opts Options) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	}
	nop := func() error { return nil }

	var w io.Writer
	switch opts.Output {
	case "", OutputStderr:
		w = os.Stderr
	case OutputStdout:
		w = os.Stdout
	case OutputDiscard:
		w = io.Discard
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nop, fmt.Errorf("opening log file: %w", err)
		}
		handler := slog.Handler(slog.NewJSONHandler(f, hopts))
		if opts.Mirror {
			handler = slogmulti.Fanout(
				slog.NewTextHandler(os.Stderr, hopts),
				handler,
			)
		}
		return slog.New(NewContextHandler(handler)), f.Close, nil
	}

	return slog.New(NewContextHandler(slog.NewJSONHandler(w, hopts))), nop, nil
}
