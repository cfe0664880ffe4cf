package backup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
)

var latestKey = []byte("snapshot/latest")

// historyTTL is how long timestamped snapshot copies are kept.
const historyTTL = 7 * 24 * time.Hour

// BadgerStore keeps the snapshot in an embedded badger database, with
// expiring timestamped copies next to the latest one.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger routes badger's logs through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{}) { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{}) { l.s.Debugf(f, v...) }

// NewBadgerStore opens or creates a badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{s: logging.L().Named("badger").Sugar()}).
		WithLoggingLevel(badger.WARNING).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Save writes the latest snapshot and a timestamped copy.
func (s *BadgerStore) Save(_ context.Context, data []byte) error {
	historyKey := []byte("snapshot/" + strconv.FormatInt(time.Now().UnixNano(), 10))
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(latestKey, data); err != nil {
			return fmt.Errorf("set latest: %w", err)
		}
		if err := txn.SetEntry(badger.NewEntry(historyKey, data).WithTTL(historyTTL)); err != nil {
			return fmt.Errorf("set history: %w", err)
		}
		return nil
	})
}

// Load returns the latest snapshot.
func (s *BadgerStore) Load(_ context.Context) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

// History returns the number of timestamped copies still retained.
func (s *BadgerStore) History() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("snapshot/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if string(it.Item().Key()) != string(latestKey) {
				count++
			}
		}
		return nil
	})
	return count, err
}

// Type returns "badger".
func (s *BadgerStore) Type() string { return "badger" }

// Close closes the database.
func (s *BadgerStore) Close() error { return s.db.Close() }
