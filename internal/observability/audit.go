package observability

import (
	"context"
	"log/slog"
)

// Audit emits a structured audit record for security-relevant state
// changes (locks, unlocks, revocations, theft responses). Best effort;
// the key-value store remains the source of truth for state.
func Audit(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}
