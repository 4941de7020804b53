package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"imagecore/internal/blob"
	"imagecore/internal/cache"
	"imagecore/internal/config"
	"imagecore/internal/infra/persistence/memory"
	"imagecore/internal/infra/persistence/postgres"
	"imagecore/internal/infra/persistence/sqlite"
	"imagecore/internal/logging"
	"imagecore/internal/observability"
	"imagecore/internal/persistence"
)

// Library bundles an opened document with the stores behind it.
type Library struct {
	*Document
	Props   persistence.Store
	Blobs   blob.Store
	Cache   cache.Store
	Logger  logging.Logger
	Metrics observability.Recorder

	closers []io.Closer
}

type openOptions struct {
	logger     logging.Logger
	registerer prometheus.Registerer
	timeout    time.Duration
	docOpts    []DocumentOption
}

// OpenOption customises Open.
type OpenOption func(*openOptions)

// WithOpenLogger overrides the logger built from the log section.
func WithOpenLogger(l logging.Logger) OpenOption {
	return func(o *openOptions) { o.logger = l }
}

// WithRegisterer registers metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) OpenOption {
	return func(o *openOptions) { o.registerer = reg }
}

// WithStorageTimeout bounds every storage call.
func WithStorageTimeout(d time.Duration) OpenOption {
	return func(o *openOptions) { o.timeout = d }
}

// WithDocumentOptions passes opts to the document.
func WithDocumentOptions(opts ...DocumentOption) OpenOption {
	return func(o *openOptions) { o.docOpts = append(o.docOpts, opts...) }
}

// Open builds the stores selected by cfg and returns an empty document on
// top of them. Call Load to read stored items.
func Open(ctx context.Context, cfg config.Config, opts ...OpenOption) (*Library, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := openOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	lib := &Library{Logger: o.logger}
	if lib.Logger == nil {
		zl, err := logging.New(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		lib.Logger = zl
	}

	lib.Metrics = observability.Noop{}
	if cfg.Metrics.Enabled {
		p, err := observability.NewPrometheus(o.registerer)
		if err != nil {
			return nil, err
		}
		lib.Metrics = p
	}

	props, err := openProps(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	lib.Props = props
	lib.closers = append(lib.closers, props)

	blobs, err := blob.Open(ctx, cfg.BlobStoreConfig())
	if err != nil {
		_ = lib.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	lib.Blobs = blobs

	switch cfg.Cache.Driver {
	case config.CacheSQLite:
		sc, err := cache.OpenSQLite(cfg.Cache.SQLitePath)
		if err != nil {
			_ = lib.Close()
			return nil, fmt.Errorf("open cache: %w", err)
		}
		lib.Cache = sc
		lib.closers = append(lib.closers, sc)
	default:
		lib.Cache = cache.NewMemory()
	}

	pctx := NewContext(ctx, props, blobs,
		WithContextLogger(lib.Logger),
		WithRecorder(lib.Metrics),
		WithTimeout(o.timeout),
	)
	docOpts := append([]DocumentOption{
		WithLogger(lib.Logger),
		WithMetrics(lib.Metrics),
		WithStorageCache(lib.Cache),
	}, o.docOpts...)
	lib.Document = NewDocument(pctx, docOpts...)
	lib.Logger.Info("library opened",
		"storage", cfg.Storage.Driver, "blob", cfg.Blob.Driver, "cache", cfg.Cache.Driver)
	return lib, nil
}

func openProps(ctx context.Context, cfg config.StorageConfig) (persistence.Store, error) {
	switch persistence.Driver(cfg.Driver) {
	case persistence.DriverMemory:
		return memory.NewStore(), nil
	case persistence.DriverSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case persistence.DriverPostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalid, cfg.Driver)
}

// Close closes the document and then the stores, newest first.
func (l *Library) Close() error {
	if l.Document != nil {
		l.Document.Close()
	}
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}
