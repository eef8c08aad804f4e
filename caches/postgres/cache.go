package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	_ "github.com/lib/pq"

	weathercache "github.com/dgduncan/go-weather-cache"
	"github.com/dgduncan/go-weather-cache/caches"
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_all.sql
	queryDeleteAll string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed delete_item.sql
	queryDeleteItem string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed insert_item.sql
	queryInsertItem string
)

// Cache implements the weathercache.Store interface using PostgreSQL as the storage backend.
// Timestamps are stored as unix seconds and expires_at is indexed for sweeps.
type Cache struct {
	db *sql.DB
}

var _ weathercache.Store = (*Cache)(nil)

// Get retrieves the row stored for k, expired or not.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (p *Cache) Get(ctx context.Context, k string) (*weathercache.Entry, error) {
	stmt, err := p.db.PrepareContext(ctx, queryFetchByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var (
		payload   []byte
		createdAt int64
		expiresAt int64
	)
	if err := stmt.QueryRowContext(ctx, k).Scan(&payload, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	return &weathercache.Entry{
		Key:       k,
		Payload:   payload,
		CreatedAt: time.Unix(createdAt, 0),
		ExpiresAt: time.Unix(expiresAt, 0),
	}, nil
}

// Set upserts the row for e.Key, replacing payload and both timestamps.
func (p *Cache) Set(ctx context.Context, e *weathercache.Entry) error {
	stmt, err := p.db.PrepareContext(ctx, queryInsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	payload := e.Payload
	if payload == nil {
		payload = []byte{} // payload column is NOT NULL
	}

	_, err = stmt.ExecContext(ctx, e.Key, payload, e.CreatedAt.Unix(), e.ExpiresAt.Unix())
	return err
}

func (p *Cache) Delete(ctx context.Context, k string) error {
	stmt, err := p.db.PrepareContext(ctx, queryDeleteItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, k)
	return err
}

func (p *Cache) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	stmt, err := p.db.PrepareContext(ctx, queryDeleteExpired)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, now.Unix())
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *Cache) DeleteAll(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, queryDeleteAll)
	return err
}

func (p *Cache) Close() error {
	return p.db.Close()
}

func createTable(ctx context.Context, db *sql.DB) error {
	// not prepared: the script holds more than one statement
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

// New creates a new PostgreSQL cache instance. It verifies the database
// connection and creates the necessary table structure. The returned Cache
// owns db and closes it in Close.
//
// Returns an error if:
// - db is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{
			Reason: "nil db",
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(caches.ErrInitialization, caches.ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, errors.Join(caches.ErrInitialization, err)
	}

	return &Cache{
		db: db,
	}, nil
}

// Open connects to dsn with the lib/pq driver and calls New.
func Open(ctx context.Context, dsn string) (*Cache, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Join(caches.ErrInitialization, err)
	}

	c, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return c, nil
}
