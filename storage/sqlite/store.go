// Package sqlite provides a SQLite implementation of store.Persister.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opOpen    = "sqlite.Open"
	opLoadAll = "sqlite.LoadAll"
	opSave    = "sqlite.Save"
	opClose   = "sqlite.Close"

	component = "storage/sqlite"
)

var (
	ErrStoreClosed   = errors.New("store is closed")
	ErrStaleRevision = errors.New("stored revision is newer")
)

// Config holds configuration options for the Persister.
//
// DefaultConfig enables WAL mode and keeps a small connection pool; SQLite
// serializes writers regardless.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:state.db"
	DataSourceName string

	// EnableWAL appends "?_journal_mode=WAL" to DataSourceName when no
	// journal mode is set.
	EnableWAL bool

	// TableName defaults to "topic_state".
	TableName string

	Logger *logging.Logger

	MaxOpenConns    int           // Default: 4
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 1h
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "topic_state"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled for dataSourceName.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Persister stores one row per topic.
type Persister struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *logging.Logger
	tableName string
}

var _ store.Persister = (*Persister)(nil)

// NewWithDataSource is a convenience constructor.
func NewWithDataSource(dataSourceName string) (*Persister, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the table if needed.
func New(config *Config) (*Persister, error) {
	if config == nil {
		return nil, syncErrors.E(syncErrors.Op(opOpen), syncErrors.Component(component), syncErrors.KindInvalid, "config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, syncErrors.E(syncErrors.Op(opOpen), syncErrors.Component(component), syncErrors.KindInvalid, "DataSourceName is required")
	}
	if !validIdentifier(config.TableName) {
		return nil, syncErrors.E(syncErrors.Op(opOpen), syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("invalid table name %q", config.TableName))
	}

	logger := logging.OrDefault(config.Logger).WithComponent("sqlite-store")
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(fmt.Errorf("failed to open sqlite database: %w", err), opOpen, component, syncErrors.KindPersistence)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.WrapOpComponentKind(fmt.Errorf("failed to connect to sqlite database: %w", err), opOpen, component, syncErrors.KindPersistence)
	}

	p := &Persister{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
	}
	if err := p.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.WrapOpComponentKind(fmt.Errorf("failed to setup database schema: %w", err), opOpen, component, syncErrors.KindPersistence)
	}

	logger.Info("SQLite persister initialized", slog.String("table_name", config.TableName))
	return p, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (p *Persister) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        topic       TEXT PRIMARY KEY,
        revision    INTEGER NOT NULL,
        data        BLOB NOT NULL,
        updated_at  INTEGER NOT NULL
    );`, p.tableName)
	_, err := p.db.Exec(query)
	return err
}

func (p *Persister) checkOpen(op string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return syncErrors.WrapOpComponentKind(ErrStoreClosed, op, component, syncErrors.KindClosed)
	}
	return nil
}

// LoadAll returns every stored topic row.
func (p *Persister) LoadAll(ctx context.Context) ([]store.Record, error) {
	if err := p.checkOpen(opLoadAll); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT topic, revision, data, updated_at FROM %s ORDER BY topic`, p.tableName)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			name      string
			revision  int64
			data      []byte
			updatedAt int64
		)
		if err := rows.Scan(&name, &revision, &data, &updatedAt); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
		}
		out = append(out, store.Record{
			Topic:     topic.Name(name),
			Revision:  uint64(revision),
			Data:      data,
			UpdatedAt: time.UnixMilli(updatedAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
	}
	return out, nil
}

// Save upserts the topic row. A row holding a newer revision is left alone
// and ErrStaleRevision is returned.
func (p *Persister) Save(ctx context.Context, rec store.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := p.checkOpen(opSave); err != nil {
		return err
	}
	if rec.Revision > math.MaxInt64 {
		return syncErrors.WrapOpComponent(fmt.Errorf("revision %d out of range", rec.Revision), opSave, component)
	}

	query := fmt.Sprintf(`
    INSERT INTO %[1]s (topic, revision, data, updated_at) VALUES (?, ?, ?, ?)
    ON CONFLICT(topic) DO UPDATE SET
        revision = excluded.revision,
        data = excluded.data,
        updated_at = excluded.updated_at
    WHERE excluded.revision > %[1]s.revision
       OR (excluded.revision = %[1]s.revision AND excluded.data = %[1]s.data)`, p.tableName)

	res, err := p.db.ExecContext(ctx, query, string(rec.Topic), int64(rec.Revision), rec.Data, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSave, component)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSave, component)
	}
	if n == 0 {
		return syncErrors.WrapOpComponent(fmt.Errorf("%w: %s revision %d", ErrStaleRevision, rec.Topic, rec.Revision), opSave, component)
	}
	return nil
}

// Close closes the database. It is idempotent.
func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.db.Close(); err != nil {
		return syncErrors.WrapOpComponent(err, opClose, component)
	}
	return nil
}

// Stats returns database connection statistics.
func (p *Persister) Stats() sql.DBStats {
	return p.db.Stats()
}
