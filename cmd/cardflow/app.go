package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/cardflow/internal/config"
	"github.com/rumor-ml/commons.systems/cardflow/internal/firestore"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/forecast"
	"github.com/rumor-ml/commons.systems/cardflow/internal/ingest"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
	"github.com/rumor-ml/commons.systems/cardflow/internal/notify"
	"github.com/rumor-ml/commons.systems/cardflow/internal/registry"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store/sqlite"
)

// app holds the wiring shared by every command
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     store.Store
	registry  *registry.Registry
	forecast  *forecast.Engine
	publisher *notify.Publisher
	stdout    io.Writer
	stderr    io.Writer
	now       func() time.Time
}

func newApp(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) (*app, error) {
	opts := cfg.LogOptions()
	opts.Out = stderr
	logger, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	logger = logging.Component(logger, logging.ComponentApp)

	catalog, err := format.Load(cfg.FormatsFile)
	if err != nil {
		return nil, err
	}

	engine, err := forecast.New(cfg.GroupingPolicy(),
		forecast.WithLogger(logger),
		forecast.WithMinMonths(cfg.MinForecastMonths))
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: registry.New(catalog),
		forecast: engine,
		stdout:   stdout,
		stderr:   stderr,
		now:      time.Now,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.BackendFirestore:
		return firestore.Open(ctx, cfg.FirestoreProject, cfg.FirestoreCredentials)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// ingestEngine builds the ingestion engine, dialing the broker when AMQP is configured
func (a *app) ingestEngine() *ingest.Engine {
	opts := []ingest.Option{ingest.WithLogger(a.logger), ingest.WithClock(a.now)}
	if a.cfg.AMQPURL != "" && a.publisher == nil {
		p, err := notify.Dial(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.logger)
		if err != nil {
			// Notifications are best effort; ingestion proceeds without them
			a.logger.Warn().Err(err).Msg("AMQP unavailable, ingestion notifications disabled")
		} else {
			a.publisher = p
		}
	}
	if a.publisher != nil {
		opts = append(opts, ingest.WithPublisher(a.publisher))
	}
	return ingest.New(a.registry, a.store, opts...)
}

func (a *app) Close() error {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close AMQP publisher")
		}
	}
	return a.store.Close()
}
