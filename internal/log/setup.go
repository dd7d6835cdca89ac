package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
)

// Scope is the instrumentation scope of records bridged to OpenTelemetry.
const Scope = "github.com/chainguard-dev/run-on-ec2"

type Options struct {
	// Level applies to the stderr and file outputs.
	Level slog.Level

	// Stderr receives human-readable output. Defaults to 'os.Stderr'.
	Stderr io.Writer

	// Dir, when set, receives a JSON log file per run, named after Name and
	// RunID.
	Dir   string
	Name  string
	RunID string

	// LoggerProvider, when set, receives every record through the otelslog
	// bridge.
	LoggerProvider otellog.LoggerProvider
}

// Setup installs the process logger in the returned context and as the
// 'slog' default. The returned func closes the log file, if any.
func Setup(ctx context.Context, opts Options) (context.Context, func(), error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	handlers := []slog.Handler{
		charmlog.NewWithOptions(stderr, charmlog.Options{
			Level:           charmlog.Level(opts.Level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		}),
	}

	closer := func() {}
	if opts.Dir != "" {
		f, err := openRunLog(opts.Dir, opts.Name, opts.RunID)
		if err != nil {
			return ctx, closer, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			AddSource: true,
			Level:     opts.Level,
		}))
		closer = func() {
			if err := f.Close(); err != nil {
				clog.WarnContext(ctx, "failed to close log file", "path", f.Name(), "error", err.Error())
			}
		}
	}

	if opts.LoggerProvider != nil {
		handlers = append(handlers, otelslog.NewHandler(Scope, otelslog.WithLoggerProvider(opts.LoggerProvider)))
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx, closer, nil
}

// ParseLevel parses a level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	level, err := charmlog.ParseLevel(s)
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return slog.Level(level), nil
}
