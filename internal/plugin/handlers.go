package plugin

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/mattjoyce/jobserver/internal/handler"
	"github.com/mattjoyce/jobserver/internal/metrics"
)

// BuildHandlers builds the request handlers described by specs, which maps a
// handler key to the job types it serves. A key is a handler kind, optionally
// followed by "/label" to run several handlers of one kind. Handlers are
// built in sorted key order and the fallback handler is always appended last.
// An empty specs map builds one default handler holding every catalog type.
func BuildHandlers(specs map[string][]string, cat *Catalog, logger *slog.Logger, m *metrics.Metrics) []handler.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(specs) == 0 {
		specs = map[string][]string{handler.KindDefault: cat.Types()}
	}

	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []handler.Handler
	for _, key := range keys {
		kind, _, _ := strings.Cut(key, "/")
		kind = handler.NormalizeType(kind)
		if kind != handler.KindDefault {
			logger.Error("unknown request handler kind, skipping", "handler", key, "kind", kind)
			continue
		}

		h := handler.NewAsync(
			handler.WithName(key),
			handler.WithLogger(logger),
			handler.WithMetrics(m),
		)
		for _, typ := range specs[key] {
			f, ok := cat.Resolve(typ)
			if !ok {
				logger.Warn("job type not found in catalog", "handler", key, "type", typ)
				continue
			}
			if _, err := h.RegisterPlugin(typ, f); err != nil {
				logger.Warn("job type not registered", "handler", key, "type", typ, "error", err)
			}
		}
		out = append(out, h)
	}
	return append(out, handler.NewFallback(logger))
}
