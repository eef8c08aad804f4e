package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"time"

	"go.etcd.io/bbolt"

	weathercache "github.com/dgduncan/go-weather-cache"
	"github.com/dgduncan/go-weather-cache/caches"
)

const (
	entriesBucket = "weather_cache"
	expiryBucket  = "weather_cache_expiry"

	headerSize = 16
)

var errCorruptEntry = errors.New("corrupt cache entry")

// Config defines the configuration options for the bbolt cache implementation.
type Config struct {
	// Timeout bounds how long Open waits for the file lock held by another
	// process. Zero waits for one second.
	Timeout time.Duration

	// FileMode is used when the database file is created. Zero means 0600.
	FileMode os.FileMode
}

// Cache implements weathercache.Store on an embedded bbolt file.
//
// Rows live in one bucket keyed by cache key; the value is the created and
// expires unix seconds followed by the payload. A second bucket indexes rows
// by expiry so a sweep only visits rows that are actually expired.
type Cache struct {
	db *bbolt.DB
}

var _ weathercache.Store = (*Cache)(nil)

// Open opens or creates the database at path. Any failure is joined with
// caches.ErrInitialization.
func Open(path string, config *Config) (*Cache, error) {
	timeout := time.Second
	mode := os.FileMode(0o600)
	if config != nil {
		if config.Timeout > 0 {
			timeout = config.Timeout
		}
		if config.FileMode != 0 {
			mode = config.FileMode
		}
	}

	db, err := bbolt.Open(path, mode, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Join(caches.ErrInitialization, err)
	}

	c, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return c, nil
}

// New wraps an already open database, creating the buckets it needs. The
// returned Cache owns db and closes it in Close.
func New(db *bbolt.DB) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{
			Reason: "nil db",
		}
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(expiryBucket))
		return err
	})
	if err != nil {
		return nil, errors.Join(caches.ErrInitialization, err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Get(_ context.Context, k string) (*weathercache.Entry, error) {
	var entry *weathercache.Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(entriesBucket)).Get([]byte(k))
		if data == nil {
			return caches.ErrNoCacheItem
		}

		e, err := decodeEntry(k, data)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (c *Cache) Set(_ context.Context, e *weathercache.Entry) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		expiry := tx.Bucket([]byte(expiryBucket))
		key := []byte(e.Key)

		if old := entries.Get(key); old != nil {
			if err := dropIndex(expiry, key, old); err != nil {
				return err
			}
		}

		if err := entries.Put(key, encodeEntry(e)); err != nil {
			return err
		}
		return expiry.Put(indexKey(e.ExpiresAt.Unix(), key), []byte{})
	})
}

func (c *Cache) Delete(_ context.Context, k string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		key := []byte(k)

		old := entries.Get(key)
		if old == nil {
			return nil
		}
		if err := dropIndex(tx.Bucket([]byte(expiryBucket)), key, old); err != nil {
			return err
		}
		return entries.Delete(key)
	})
}

func (c *Cache) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		expiry := tx.Bucket([]byte(expiryBucket))
		limit := sortableUnix(now.Unix())

		// collect first, deleting under a live cursor can skip keys
		var expired [][]byte
		cur := expiry.Cursor()
		for ik, _ := cur.First(); ik != nil; ik, _ = cur.Next() {
			if len(ik) < 8 || binary.BigEndian.Uint64(ik[:8]) > limit {
				break
			}
			expired = append(expired, bytes.Clone(ik))
		}

		for _, ik := range expired {
			if err := expiry.Delete(ik); err != nil {
				return err
			}
			if err := entries.Delete(ik[8:]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func (c *Cache) DeleteAll(_ context.Context) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{entriesBucket, expiryBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Len returns the number of rows held, expired ones included.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func dropIndex(expiry *bbolt.Bucket, key, stored []byte) error {
	if len(stored) < headerSize {
		return errCorruptEntry
	}
	expiresAt := int64(binary.BigEndian.Uint64(stored[8:16]))
	return expiry.Delete(indexKey(expiresAt, key))
}

func encodeEntry(e *weathercache.Entry) []byte {
	buf := make([]byte, headerSize+len(e.Payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.CreatedAt.Unix()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.ExpiresAt.Unix()))
	copy(buf[headerSize:], e.Payload)
	return buf
}

func decodeEntry(k string, data []byte) (*weathercache.Entry, error) {
	if len(data) < headerSize {
		return nil, errCorruptEntry
	}

	return &weathercache.Entry{
		Key:       k,
		Payload:   bytes.Clone(data[headerSize:]),
		CreatedAt: time.Unix(int64(binary.BigEndian.Uint64(data[0:8])), 0),
		ExpiresAt: time.Unix(int64(binary.BigEndian.Uint64(data[8:16])), 0),
	}, nil
}

// indexKey orders rows by expiry; the sign bit is flipped so that byte order
// matches numeric order for every int64.
func indexKey(expiresAt int64, key []byte) []byte {
	buf := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(buf[:8], sortableUnix(expiresAt))
	copy(buf[8:], key)
	return buf
}

func sortableUnix(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}
