// Package ledger records which stage messages have already completed so a
// message redelivered after its Complete was lost does not repeat side
// effects such as emitting the next stage's message.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/patrickmn/go-cache"
)

// Ledger is a set of completed keys with expiry.
type Ledger interface {
	// Seen reports whether key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key as completed.
	Mark(ctx context.Context, key string) error
	Close() error
}

// Key identifies one stage's work for one correlation id.
func Key(stage, correlationID string) string {
	return stage + ":" + correlationID
}

// ---------------------------------------------------------------------------
// Badger
// ---------------------------------------------------------------------------

// Badger persists the ledger on local disk so it survives restarts.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

var _ Ledger = (*Badger)(nil)

// OpenBadger opens (or creates) a ledger at path.  An empty path keeps
// the ledger in memory.
func OpenBadger(path string, ttl time.Duration) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
	}
	opts = opts.WithLogger(nil).WithValueLogFileSize(1 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &Badger{db: db, ttl: ttl}, nil
}

func (b *Badger) Seen(_ context.Context, key string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
}

func (b *Badger) Mark(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(time.Now().UTC().Format(time.RFC3339)))
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory keeps the ledger in process.  It is lost on restart, which only
// narrows the window in which replays are suppressed.
type Memory struct {
	c *cache.Cache
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an in-process ledger whose entries expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		return &Memory{c: cache.New(cache.NoExpiration, 0)}
	}
	return &Memory{c: cache.New(ttl, 2*ttl)}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	_, ok := m.c.Get(key)
	return ok, nil
}

func (m *Memory) Mark(_ context.Context, key string) error {
	m.c.SetDefault(key, time.Now())
	return nil
}

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
