// Package restart implements the Restart & Shutdown sequence (C9): a
// durably persisted restart marker (so a request to restart survives a
// process crash before it is acted on), a periodic ticker that checks
// for one, and soft/hard drain of live connections.
package restart

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// Marker is the durable restart request; Soft selects a soft Drain
// over a hard one (see Drain for what each does).
type Marker struct {
	Time time.Time `json:"time"`
	Soft bool      `json:"soft"`
}

var markerKey = []byte("restart-marker")

// Store persists and clears the restart marker in a badger KV store,
// so a marker written just before a crash is still honored on the next
// process's first check.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger store at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying badger store.
func (s *Store) Close() error { return s.db.Close() }

// Request persists a restart marker for the next Ticker check to
// observe.
func (s *Store) Request(soft bool) error {
	m := Marker{Time: time.Now(), Soft: soft}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(markerKey, data)
	})
}

// Peek returns the current marker, if any, without clearing it.
func (s *Store) Peek() (*Marker, error) {
	var m Marker
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(markerKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Clear removes the persisted marker.
func (s *Store) Clear() error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(markerKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Ticker periodically checks Store for a pending restart marker and
// drains the broker when it finds one, and also drains on SIGINT/SIGTERM.
type Ticker struct {
	store      *Store
	channels   *channel.Registry
	checkEvery time.Duration
	shutdown   chan struct{}
}

// New builds a Ticker. checkEvery <= 0 falls back to 10s.
func New(store *Store, channels *channel.Registry, checkEvery time.Duration) *Ticker {
	if checkEvery <= 0 {
		checkEvery = 10 * time.Second
	}
	return &Ticker{store: store, channels: channels, checkEvery: checkEvery, shutdown: make(chan struct{})}
}

// Run blocks, polling for a restart marker and watching for OS signals,
// until ctx is cancelled or a drain completes. It is meant to be run as
// a supervised service.
func (t *Ticker) Run(ctx context.Context) error {
	log := logging.Component("restart")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(t.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			t.Drain(false)
			return nil
		case <-ticker.C:
			m, err := t.store.Peek()
			if err != nil {
				log.Warn().Err(err).Msg("failed to check restart marker")
				continue
			}
			if m == nil {
				continue
			}
			log.Info().Bool("soft", m.Soft).Time("requested_at", m.Time).Msg("honoring restart marker")
			t.store.Clear()
			t.Drain(m.Soft)
			return nil
		}
	}
}

// Drain stops accepting new connections and, if soft, sends every
// local connection a pusher:error frame and closes it. A hard drain
// only declines new connections: it neither closes existing
// connections nor stops the process, and neither does a soft drain.
func (t *Ticker) Drain(soft bool) {
	t.channels.DeclineNewConnections()
	if !soft {
		return
	}
	frame := protocol.NewErrorFrame("server is restarting", 0)
	for _, cn := range t.channels.AllLocalConnections() {
		cn.Send(frame)
		cn.Close()
	}
}
