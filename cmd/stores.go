package main

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/db"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/store"
	"github.com/sells-group/catalog-cli/pkg/notion"
	"github.com/sells-group/catalog-cli/pkg/sheets"
)

// connections shares database handles between the job store and the
// document store when both point at the same database.
type connections struct {
	pools   map[string]*pgxpool.Pool
	sqlite  map[string]*sql.DB
	closers []func()
}

func newConnections() *connections {
	return &connections{pools: make(map[string]*pgxpool.Pool), sqlite: make(map[string]*sql.DB)}
}

func (c *connections) postgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if p, ok := c.pools[url]; ok {
		return p, nil
	}
	p, err := db.Connect(ctx, url, db.PoolConfig{MaxConns: 10, MinConns: 1})
	if err != nil {
		return nil, err
	}
	c.pools[url] = p
	c.closers = append(c.closers, p.Close)
	return p, nil
}

func (c *connections) sqliteDB(dsn string) (*sql.DB, error) {
	if d, ok := c.sqlite[dsn]; ok {
		return d, nil
	}
	d, err := store.OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	c.sqlite[dsn] = d
	c.closers = append(c.closers, func() { _ = d.Close() })
	return d, nil
}

// Close releases every handle in reverse order of opening.
func (c *connections) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// openJobStore returns the configured job store, or nil for the memory driver.
func openJobStore(ctx context.Context, conns *connections) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		d, err := conns.sqliteDB(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = store.NewSQLiteWithDB(d)
	case "postgres":
		pool, err := conns.postgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = store.NewPostgresWithPool(pool)
	case "memory":
		zap.L().Warn("job store disabled, jobs are kept in memory only")
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate job store")
	}
	return st, nil
}

func newSheetsClient(ctx context.Context) (sheets.Client, error) {
	client, err := sheets.NewClient(ctx,
		sheets.WithCredentialsFile(cfg.Sheets.CredentialsFile),
		sheets.WithEndpoint(cfg.Sheets.BaseURL),
		sheets.WithRateLimit(cfg.Sheets.RateLimit, cfg.Sheets.Burst),
	)
	if err != nil {
		return nil, eris.Wrap(err, "init sheets client")
	}
	return client, nil
}

// openSheet builds the tabular store adapter.
func openSheet(ctx context.Context, reg *registry.Registry) (sheets.Client, recordstore.Adapter, error) {
	client, err := newSheetsClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, recordstore.NewSheet(client, cfg.Sheets.SpreadsheetID, reg), nil
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// openDocs builds the document store adapter for the configured driver.
func openDocs(ctx context.Context, conns *connections, reg *registry.Registry) (recordstore.Adapter, error) {
	var docs recordstore.Adapter
	switch cfg.DocStore.Driver {
	case "postgres":
		pool, err := conns.postgres(ctx, cfg.DocStore.DatabaseURL)
		if err != nil {
			return nil, err
		}
		docs = recordstore.NewPostgres(pool, cfg.DocStore.Table, reg)
	case "sqlite":
		d, err := conns.sqliteDB(cfg.DocStore.DatabaseURL)
		if err != nil {
			return nil, err
		}
		docs = recordstore.NewSQLite(d, cfg.DocStore.Table, reg)
	case "notion":
		client := notion.NewClient(cfg.DocStore.Notion.Token,
			notion.WithRateLimit(cfg.DocStore.Notion.RateLimit),
			notion.WithMaxRetries(cfg.DocStore.Notion.MaxRetries),
		)
		docs = recordstore.NewNotion(client, cfg.DocStore.Notion.Databases, reg)
	case "memory":
		zap.L().Warn("document store is in memory, nothing will be persisted")
		docs = recordstore.NewMemory(registry.StoreDocs)
	default:
		return nil, eris.Errorf("unsupported docstore driver: %s", cfg.DocStore.Driver)
	}

	if m, ok := docs.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return nil, eris.Wrap(err, "migrate document store")
		}
	}
	zap.L().Debug("document store ready", zap.String("driver", cfg.DocStore.Driver))
	return docs, nil
}
