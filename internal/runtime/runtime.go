// Package runtime drives the request handler from a job source: the hosted
// serverless queue or the local job store.
package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/chandra-ocr/worker-go/internal/model"
)

// JobHandler runs one job input to a result. *handler.Handler satisfies it.
type JobHandler interface {
	HandleRaw(ctx context.Context, input json.RawMessage) model.Result
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
