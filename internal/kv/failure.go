package kv

import (
	"context"
	"log/slog"

	"github.com/apparelcore/authstate/internal/observability"
)

// FailureMode declares, once per component, what a swallowed store error
// turns into at that component's public boundary.
type FailureMode string

const (
	// FailOpen permits the operation: lockout checks report unlocked,
	// rate limits report allowed. Availability over strict enforcement.
	FailOpen FailureMode = "fail_open"
	// FailClosedAbsent treats the record as missing: sessions and tokens
	// read as "not authenticated", forcing re-login.
	FailClosedAbsent FailureMode = "fail_closed_absent"
)

// Swallow records a store error that a component converts into its
// declared default instead of propagating.
func (m FailureMode) Swallow(ctx context.Context, logger *slog.Logger, component, op string, err error) {
	if err == nil {
		return
	}
	observability.RecordStoreFailure(ctx, component, op, string(m))
	logger.WarnContext(ctx, "store operation failed, applying failure mode",
		"component", component,
		"op", op,
		"mode", string(m),
		"error", err.Error(),
	)
}
