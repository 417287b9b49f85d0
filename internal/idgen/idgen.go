// Package idgen mints unique identifiers within a single component's
// lifetime, in the series "prefix-1", "prefix-2", ...
package idgen

import (
	"fmt"
	"sync"
)

// Generator yields monotonically increasing identifiers in one series.
// Safe for concurrent use, although the controller's callers
// (helperrouter and workerconn) mint IDs only from the event loop
// goroutine.
type Generator struct {
	mu      sync.Mutex
	series  string
	counter int
}

// New creates a generator for the given series name.
func New(series string) *Generator {
	return &Generator{series: series}
}

// Next returns the next identifier in the series.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.series, g.counter)
}
