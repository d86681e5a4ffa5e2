package monitor

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Ingestor/internal/log"
)

func withMonitor(ctx context.Context, name string) context.Context {
	return log.ContextAttrs(ctx, slog.String("monitor", name))
}
