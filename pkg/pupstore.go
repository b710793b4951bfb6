// Package pupstore provides event storage with live subscriptions for Go applications.
//
// This package serves as the main entry point for the pupstore library. It
// opens the backend named by a config.Config. For the core functionality, see
// the es package and its subpackages:
//
//	es                   - Core types, errors and logging
//	es/store             - The Store contract and subscriptions
//	es/notify            - Live fan-out to subscribers
//	es/adapters/memory   - In-memory backend
//	es/adapters/file     - One append-only file per stream
//	es/adapters/sqlstore - SQL backend shared by postgres, mysql and sqlite
//	es/projection        - Checkpointed projection processing
//	es/migrations        - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/getpup/pupstore/cmd/migrate-gen --adapter postgres --output migrations
//
//  2. Open a store and append events:
//     cfg, _ := config.Load("pupstore.yaml")
//     s, _ := pupstore.Open[MyEvent](ctx, cfg, codec.JSON[MyEvent]{}, logger)
//     head, err := s.Append(ctx, es.Start("order-1"), created, paid)
//
//  3. Follow a stream:
//     sub, _ := s.Subscribe(ctx, es.Start("order-1"))
//     for ev, err := range sub.All() { ... }
package pupstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/file"
	"github.com/getpup/pupstore/es/adapters/memory"
	"github.com/getpup/pupstore/es/adapters/mysql"
	"github.com/getpup/pupstore/es/adapters/postgres"
	"github.com/getpup/pupstore/es/adapters/sqlite"
	"github.com/getpup/pupstore/es/adapters/sqlstore"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/config"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
)

// Version returns the current version of the library.
func Version() string {
	return "0.2.0-dev"
}

// Open opens the backend selected by cfg. logger may be nil.
// For SQL backends the returned store owns its connection pool and closes it
// on Close.
func Open[T any](ctx context.Context, cfg config.Config, c codec.Codec[T], logger es.Logger) (store.Store[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.Memory:
		return memory.NewStore[T](memory.NewStoreConfig(
			memory.WithNotifyConfig(cfg.NotifyEngine()),
			memory.WithLogger(logger),
		)), nil

	case config.File:
		s, err := file.NewStore[T](cfg.File.Dir, c, file.NewStoreConfig(
			file.WithNotifyConfig(cfg.NotifyEngine()),
			file.WithLogger(logger),
		))
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.Postgres, config.MySQL, config.SQLite:
		return openSQL(ctx, cfg, c, logger)

	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

func openSQL[T any](ctx context.Context, cfg config.Config, c codec.Codec[T], logger es.Logger) (store.Store[T], error) {
	sc := sqlstore.NewStoreConfig(
		sqlstore.WithNotifyConfig(cfg.NotifyEngine()),
		sqlstore.WithLogger(logger),
		sqlstore.WithChannel(cfg.SQL.Channel),
		sqlstore.WithGapTimeout(cfg.SQL.GapTimeout),
	)
	if cfg.SQL.EventsTable != "" {
		sc.EventsTable = cfg.SQL.EventsTable
	}

	var (
		db      *sql.DB
		dialect migrations.Dialect
		err     error
	)
	switch cfg.Backend {
	case config.Postgres:
		db, err = postgres.Open(ctx, cfg.SQL.DSN)
		dialect = migrations.Postgres
	case config.MySQL:
		db, err = mysql.Open(ctx, cfg.SQL.DSN)
		dialect = migrations.MySQL
	default:
		// sqlite.Open creates the default schema itself.
		db, err = sqlite.Open(ctx, cfg.SQL.DSN)
		dialect = migrations.SQLite
	}
	if err != nil {
		return nil, es.StoreError("open", "", err)
	}

	if cfg.SQL.MigrateOnOpen {
		mc := migrations.DefaultConfig()
		mc.EventsTable = sc.EventsTable
		if err := migrations.Apply(ctx, db, dialect, &mc); err != nil {
			_ = db.Close()
			return nil, es.StoreError("migrate", "", err)
		}
	}

	var s *sqlstore.Store[T]
	switch cfg.Backend {
	case config.Postgres:
		s, err = postgres.NewStore[T](ctx, db, cfg.SQL.DSN, c, sc)
	case config.MySQL:
		s, err = mysql.NewStore[T](ctx, db, c, cfg.SQL.PollInterval, sc)
	default:
		s, err = sqlite.NewStore[T](ctx, db, c, cfg.SQL.PollInterval, sc)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info(ctx, "store opened", "backend", string(cfg.Backend))
	}
	return &dbStore[T]{Store: s, db: db}, nil
}

// dbStore closes its connection pool after the store.
type dbStore[T any] struct {
	*sqlstore.Store[T]
	db *sql.DB
}

// Close implements store.Store.
func (s *dbStore[T]) Close() error {
	err := s.Store.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}
