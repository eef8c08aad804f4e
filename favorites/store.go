// Package favorites persists a user's favorite cities in an embedded bbolt
// file, separate from the response cache.
package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/dgduncan/go-weather-cache/weather"
)

const bucket = "favorites"

var (
	// ErrDuplicateEntry is returned by Add when a favorite with the same name
	// and country already exists.
	ErrDuplicateEntry = errors.New("favorite already exists")

	// ErrNotFound is returned by Remove when no favorite matches.
	ErrNotFound = errors.New("favorite not found")

	// ErrInvalidCity is returned by Add for a city without a name or country,
	// or with coordinates out of range.
	ErrInvalidCity = errors.New("invalid city")
)

type Favorite struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	State     string    `json:"state,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AddedAt   time.Time `json:"addedAt"`
}

// City returns the favorite as a location the weather client can look up.
func (f Favorite) City() weather.City {
	return weather.City{
		Name:      f.Name,
		Country:   f.Country,
		State:     f.State,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
	}
}

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the favorites database at path. If now is nil
// time.Now is used.
func Open(path string, now func() time.Time) (*Store, error) {
	if now == nil {
		now = time.Now
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening favorites: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating favorites bucket: %w", err)
	}

	return &Store{db: db, now: now}, nil
}

// Add stores city as a new favorite.
func (s *Store) Add(_ context.Context, city weather.City) (Favorite, error) {
	if err := validate(city); err != nil {
		return Favorite{}, err
	}

	f := Favorite{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(city.Name),
		Country:   strings.TrimSpace(city.Country),
		State:     city.State,
		Latitude:  city.Latitude,
		Longitude: city.Longitude,
		AddedAt:   s.now().UTC(),
	}

	data, err := json.Marshal(f)
	if err != nil {
		return Favorite{}, err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		k := key(f.Name, f.Country)
		if b.Get(k) != nil {
			return ErrDuplicateEntry
		}
		return b.Put(k, data)
	})
	if err != nil {
		return Favorite{}, err
	}

	return f, nil
}

// Remove deletes the favorite matching name and country.
func (s *Store) Remove(_ context.Context, name, country string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		k := key(name, country)
		if b.Get(k) == nil {
			return ErrNotFound
		}
		return b.Delete(k)
	})
}

// List returns every favorite, most recently added first.
func (s *Store) List(_ context.Context) ([]Favorite, error) {
	all := make([]Favorite, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var f Favorite
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decoding favorite %q: %w", k, err)
			}
			all = append(all, f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].AddedAt.After(all[j].AddedAt)
	})
	return all, nil
}

func (s *Store) Exists(_ context.Context, name, country string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(bucket)).Get(key(name, country)) != nil
		return nil
	})
	return exists, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// key matches name and country case-insensitively.
func key(name, country string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(name)) + "\x00" + strings.ToLower(strings.TrimSpace(country)))
}

func validate(c weather.City) error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidCity)
	case strings.TrimSpace(c.Country) == "":
		return fmt.Errorf("%w: empty country", ErrInvalidCity)
	case c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180:
		return fmt.Errorf("%w: coordinates %f,%f out of range", ErrInvalidCity, c.Latitude, c.Longitude)
	}
	return nil
}
