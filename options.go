package certmux

import (
	"log/slog"
	"time"
)

type options struct {
	prefix   string
	inherit  bool
	logger   *slog.Logger
	previous *Loader
	clock    func() time.Duration
}

// Option configures a Loader or Cache.
type Option func(*options)

func applyOptions(opts []Option) *options {
	o := &options{inherit: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPrefix sets the directory relative material paths resolve against.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithInherit controls whether the next generation may reuse this
// loader's parsed materials across a configuration reload. Defaults to
// true.
func WithInherit(inherit bool) Option {
	return func(o *options) {
		o.inherit = inherit
	}
}

// WithLogger routes cache logging to the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPrevious links a new Loader to the previous generation so
// unchanged materials are inherited instead of re-parsed. The previous
// loader must stay open until the new generation has completed its
// fetches.
func WithPrevious(prev *Loader) Option {
	return func(o *options) {
		o.previous = prev
	}
}

// withClock overrides the monotonic time source in tests.
func withClock(clock func() time.Duration) Option {
	return func(o *options) {
		o.clock = clock
	}
}
