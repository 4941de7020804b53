package model

import (
	"time"

	"github.com/google/uuid"

	"imagecore/internal/logging"
)

type options struct {
	logger    logging.Logger
	clock     func() time.Time
	id        uuid.UUID
	noDisplay bool
}

// Option configures a data item or data source at construction.
type Option func(*options)

// WithLogger routes diagnostics to logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source used for created and modified stamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithUUID fixes the identifier instead of generating one.
func WithUUID(id uuid.UUID) Option {
	return func(o *options) { o.id = id }
}

// WithoutDefaultDisplay skips the display a new data source normally gets.
func WithoutDefaultDisplay() Option {
	return func(o *options) { o.noDisplay = true }
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.Noop(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNoop(o.logger)
	return o
}

func (o options) now() time.Time { return o.clock().UTC() }

// inherited drops the per-instance settings so copies get their own identity.
func (o options) inherited() []Option {
	return []Option{WithLogger(o.logger), WithClock(o.clock)}
}
