package cache

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/alitto/pond/v2"

	"github.com/varejotech/insights/pkg/envelope"
)

const defaultWarmPoolSize = 4

// WarmJob names one query to pre-resolve into the cache.
type WarmJob struct {
	Kind    string
	Params  map[string]any
	Produce Producer

	// TokensWouldUse is the spend a later hit on this entry avoids.
	TokensWouldUse int64
}

// Producer resolves a query to its envelope. Used by warm-up to fill
// the cache before the first user hits it.
type Producer func(ctx context.Context) (*envelope.Envelope, error)

// WarmUp resolves every job concurrently and stores the results. Jobs
// already fresh in the cache are skipped. Returns the number of entries
// actually produced.
func (c *Cache) WarmUp(ctx context.Context, jobs []WarmJob, poolSize int) int {
	if poolSize <= 0 {
		poolSize = defaultWarmPoolSize
	}
	pool := pond.NewPool(poolSize, pond.WithContext(ctx))

	var produced atomic.Int64
	for _, job := range jobs {
		job := job
		if _, ok := c.Get(job.Kind, job.Params); ok {
			continue
		}
		pool.Submit(func() {
			env, err := job.Produce(ctx)
			if err != nil {
				c.log.Warn("cache: warm-up job failed",
					slog.String("kind", job.Kind), "error", err)
				return
			}
			c.Put(job.Kind, job.Params, env, job.TokensWouldUse)
			produced.Add(1)
		})
	}
	pool.StopAndWait()

	c.log.Info("cache: warm-up complete", "jobs", len(jobs), "produced", produced.Load())
	return int(produced.Load())
}
