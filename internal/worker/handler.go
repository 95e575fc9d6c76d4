package worker

import (
	"context"

	"github.com/gorax/flowqueue/internal/store"
)

// Handler is the user-supplied function the worker loop invokes for
// every claimed record. A returned error is captured as record
// failure, never propagated as a worker-level fault; handlers must be
// idempotent, since orphan recovery can redeliver a record whose
// handler already partially ran.
type Handler func(ctx context.Context, payload store.JSONMap) (store.JSONMap, error)
