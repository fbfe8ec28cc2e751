// Package admission bounds how many requests may be in flight and how many
// were dispatched within a trailing time window.
package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Controller hands out concurrency tokens. Blocked callers are granted tokens
// in the order they arrived.
type Controller struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewController creates a controller allowing at most limit concurrent holders.
// A limit below 1 is treated as 1.
func NewController(limit int) *Controller {
	if limit < 1 {
		limit = 1
	}
	return &Controller{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}
}

// Acquire blocks until a token is available or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release returns a token previously obtained with Acquire.
func (c *Controller) Release() {
	c.inFlight.Add(-1)
	c.sem.Release(1)
}

// Limit returns the configured cap.
func (c *Controller) Limit() int {
	return int(c.limit)
}

// InFlight returns the number of tokens currently held.
func (c *Controller) InFlight() int {
	return int(c.inFlight.Load())
}

// Peak returns the highest number of tokens ever held at once.
func (c *Controller) Peak() int {
	return int(c.peak.Load())
}
