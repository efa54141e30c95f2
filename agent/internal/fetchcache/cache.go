package fetchcache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var keyPrefix = []byte("fc/")

// keyDomain separates fetch-cache fingerprints from any other BLAKE3 use.
var keyDomain = [32]byte{
	'e', 'x', 't', 'w', 'a', 't', 'c', 'h', '.', 'f', 'e', 't', 'c', 'h', 'c', 'a',
	'c', 'h', 'e', '.', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Config controls how the underlying store is opened.
type Config struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives badger's internal log lines and cache storage errors.
	// Nil silences badger and logs cache errors through slog.Default.
	Logger *slog.Logger
}

// Entry is one cached response.
type Entry struct {
	FetchedAt time.Time
	Payload   []byte
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.FetchedAt) < ttl
}

// Stats summarises the cache contents.
type Stats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// envelope is the stored form of an Entry.
type envelope struct {
	FetchedAt time.Time `json:"fetched_at"`
	Size      int       `json:"size"`
	Data      []byte    `json:"data"`
}

// Cache is a badger-backed FetchCache. It is safe for concurrent use.
type Cache struct {
	db  *badger.DB
	log *slog.Logger
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates the cache described by cfg.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("fetchcache: dir is required for a persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("fetchcache: create dir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("fetchcache: open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fetchcache: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("fetchcache: zstd decoder: %w", err)
	}

	return &Cache{db: db, log: logger, enc: enc, dec: dec}, nil
}

// Key fingerprints a request target together with the headers that select
// its representation. Header names are canonicalised and sorted so the
// result does not depend on map iteration or header case.
func Key(target string, headers http.Header) string {
	h, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		panic("fetchcache: blake3 keyed hash init: " + err.Error())
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, http.CanonicalHeaderKey(name))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(target)
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(headers.Values(name), ","))
	}
	h.Write([]byte(b.String())) //nolint:errcheck // hash writes never fail
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the entry stored under key. Storage or decode failures are
// logged and reported as a miss.
func (c *Cache) Get(key string) (Entry, bool) {
	var env envelope
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false
	}
	if err != nil {
		c.log.Warn("fetchcache: read failed, treating as miss", "key", key, "err", err)
		return Entry{}, false
	}

	payload, err := c.dec.DecodeAll(env.Data, make([]byte, 0, env.Size))
	if err != nil {
		c.log.Warn("fetchcache: decompress failed, treating as miss", "key", key, "err", err)
		return Entry{}, false
	}
	return Entry{FetchedAt: env.FetchedAt, Payload: payload}, true
}

// Set stores payload under key with the given fetch time, replacing any
// previous entry. Failures are logged and otherwise ignored.
func (c *Cache) Set(key string, payload []byte, fetchedAt time.Time) {
	val, err := json.Marshal(envelope{
		FetchedAt: fetchedAt.UTC(),
		Size:      len(payload),
		Data:      c.enc.EncodeAll(payload, nil),
	})
	if err != nil {
		c.log.Warn("fetchcache: encode failed", "key", key, "err", err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey(key), val)
	})
	if err != nil {
		c.log.Warn("fetchcache: write failed", "key", key, "err", err)
	}
}

// Stats counts entries and their uncompressed payload bytes. A storage
// failure part-way through yields the totals gathered so far.
func (c *Cache) Stats() Stats {
	var st Stats
	err := c.each(func(_ []byte, env envelope) error {
		st.Count++
		st.Bytes += int64(env.Size)
		return nil
	})
	if err != nil {
		c.log.Warn("fetchcache: stats scan failed", "err", err)
	}
	return st
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	if _, err := c.deleteWhere(func(envelope) bool { return true }); err != nil {
		return fmt.Errorf("fetchcache: clear: %w", err)
	}
	return nil
}

// Prune removes entries fetched before cutoff and returns how many were removed.
func (c *Cache) Prune(cutoff time.Time) (int, error) {
	n, err := c.deleteWhere(func(env envelope) bool { return env.FetchedAt.Before(cutoff) })
	if err != nil {
		return 0, fmt.Errorf("fetchcache: prune: %w", err)
	}
	return n, nil
}

func (c *Cache) deleteWhere(match func(envelope) bool) (int, error) {
	var doomed [][]byte
	err := c.each(func(k []byte, env envelope) error {
		if match(env) {
			doomed = append(doomed, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// Close releases the store and codecs.
func (c *Cache) Close() error {
	c.enc.Close()
	c.dec.Close()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("fetchcache: close: %w", err)
	}
	return nil
}

// each walks every entry. Entries that fail to decode are skipped.
func (c *Cache) each(fn func(key []byte, env envelope) error) error {
	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var env envelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				continue
			}
			if err := fn(item.KeyCopy(nil), env); err != nil {
				return err
			}
		}
		return nil
	})
}

func storeKey(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
