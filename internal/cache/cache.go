// Package cache is a small TTL key/value cache on top of BadgerDB, used to
// reuse translations and transcripts of identical inputs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// DefaultTTL is how long entries live when no TTL is configured.
const DefaultTTL = time.Hour

// Cache stores byte values with a time to live.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// badgerLogger routes badger's internal logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) { l.logger.Error(fmt.Sprintf(msg, items...)) }

func (l *badgerLogger) Warningf(msg string, items ...any) { l.logger.Warn(fmt.Sprintf(msg, items...)) }

func (l *badgerLogger) Infof(msg string, items ...any) { l.logger.Debug(fmt.Sprintf(msg, items...)) }

func (l *badgerLogger) Debugf(msg string, items ...any) { l.logger.Debug(fmt.Sprintf(msg, items...)) }

// Open opens a cache in dir, or a purely in-memory one when inMemory is set.
// ttl <= 0 uses DefaultTTL.
func Open(dir string, inMemory bool, ttl time.Duration) (*Cache, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	logger := slog.Default().With("component", "cache")
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// TTL returns the lifetime given to new entries.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the value stored under key. ok is false for missing or
// expired entries.
func (c *Cache) Get(key string) (value []byte, ok bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache key %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key for the cache TTL.
func (c *Cache) Set(key string, value []byte) error {
	return c.SetWithTTL(key, value, c.ttl)
}

func (c *Cache) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("writing cache key %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// shortHash returns the first 16 hex characters of sha256(s).
func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// TranslationKey identifies a translation of text between two languages.
func TranslationKey(text, source, target string) string {
	return "translation:" + shortHash([]byte(text+":"+source+":"+target))
}

// TranscriptKey identifies the transcript of an audio clip in a language.
func TranscriptKey(audio []byte, language string) string {
	return "transcript:" + language + ":" + shortHash(audio)
}

// GetString is Get for text values.
func (c *Cache) GetString(key string) (string, bool, error) {
	v, ok, err := c.Get(key)
	return string(v), ok, err
}

// SetString is Set for text values.
func (c *Cache) SetString(key, value string) error {
	return c.Set(key, []byte(value))
}
