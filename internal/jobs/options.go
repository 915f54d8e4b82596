package jobs

import (
	"github.com/vertexforge/engine/internal/logging"
)

type config struct {
	threadCount int
	fiberCount  int
	pinWorkers  bool
	log         logging.Logger
}

func defaultConfig() config {
	return config{
		threadCount: 0, // resolved from hardware thread count
		fiberCount:  defaultFiberCount,
		pinWorkers:  false,
		log:         logging.NewLogger(nil),
	}
}

// Option configures scheduler initialization.
type Option func(*config)

// WithThreadCount overrides the number of worker slots, including the main
// participant. Values above the implementation limit are capped.
func WithThreadCount(n int) Option {
	return func(c *config) { c.threadCount = n }
}

// WithFiberCount sets the fiber pool size. The pool must exceed the
// worst-case count of simultaneously blocked waiters.
func WithFiberCount(n int) Option {
	return func(c *config) { c.fiberCount = n }
}

// WithCorePinning pins worker threads to CPU cores 1:1 where the platform
// supports it.
func WithCorePinning(enabled bool) Option {
	return func(c *config) { c.pinWorkers = enabled }
}

// WithLogger routes scheduler logs through the given logger.
func WithLogger(l logging.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}
