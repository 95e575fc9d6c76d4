package main

import (
	"context"
	"log/slog"

	"github.com/gorax/flowqueue/internal/store"
	"github.com/gorax/flowqueue/internal/worker"
)

// handlerFor returns the per-record handler plug point. The queue
// machinery never ships business logic; this default is a reference
// no-op that copies the input payload through as the result, so the
// worker loop is runnable out of the box. Production deployments
// replace it with their own worker.Handler implementation.
func handlerFor(flowName string, access *store.Access, logger *slog.Logger) worker.Handler {
	return func(ctx context.Context, payload store.JSONMap) (store.JSONMap, error) {
		logger.Debug("processing record", "flow", flowName, "payload_keys", len(payload))
		return payload, nil
	}
}
