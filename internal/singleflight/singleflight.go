// Package singleflight collapses concurrent calls that share a key into one
// execution whose result every caller receives.
package singleflight

import (
	"context"
	"sync"
)

// Group manages in-flight calls. The zero value is ready to use.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
	dups int
}

// Do runs fn once per key at a time. Callers arriving while fn is running
// wait for it and receive the same result; shared reports whether the result
// was handed to more than one caller.
//
// ctx bounds only the caller's own wait. A waiting caller whose ctx ends gets
// ctx.Err() while fn keeps running for the others; fn itself must observe
// whatever context the first caller gave it.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call[T])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err(), true
		}
	}

	c := &call[T]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()

	g.mu.Lock()
	shared = c.dups > 0
	g.mu.Unlock()
	return c.val, c.err, shared
}

// InFlight reports whether a call for key is currently running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
