package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Key layout. NUL separators keep one id's prefix from matching another id
// that merely starts with it.
const (
	recordKeyPrefix = "video\x00"
	metricKeyPrefix = "metric\x00"

	// deleteBatch bounds the metric rows removed per transaction.
	deleteBatch = 10000
)

func recordKey(id string) []byte {
	return []byte(recordKeyPrefix + id)
}

func metricPrefix(id string) []byte {
	return []byte(metricKeyPrefix + id + "\x00")
}

// Badger is a Store backed by a badger key-value database.
type Badger struct {
	db     *badger.DB
	seq    atomic.Uint64
	now    func() time.Time
	closed atomic.Bool
}

// BadgerOptions configure OpenBadger.
type BadgerOptions struct {
	// Path is the data directory; ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   zerolog.Logger
}

// OpenBadger opens (or creates) a badger database.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(badgerLogger{opts.Logger}).
		WithLoggingLevel(badger.WARNING)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Path, err)
	}
	return NewBadger(db), nil
}

// NewBadger wraps an already opened database.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db, now: time.Now}
}

func (s *Badger) GetRecord(_ context.Context, id string) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrClosed
	}
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// AddRecord stores rec, replacing any record with the same id.
func (s *Badger) AddRecord(_ context.Context, rec Record) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrClosed
	}
	rec, err := prepareRecord(rec, s.now())
	if err != nil {
		return Record{}, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.ID), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("set record: %w", err)
	}
	return rec, nil
}

// DeleteRecord removes the record and its metrics. Record and metrics go
// in one transaction unless the metric history is larger than one batch,
// in which case the remainder is removed in follow-up transactions.
func (s *Badger) DeleteRecord(_ context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	existed := false
	more := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(id))
		switch {
		case err == nil:
			existed = true
			if err := txn.Delete(recordKey(id)); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		more, err = deleteMetrics(txn, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	for more {
		if err := s.db.Update(func(txn *badger.Txn) error {
			var err error
			more, err = deleteMetrics(txn, id)
			return err
		}); err != nil {
			return existed, fmt.Errorf("delete metrics: %w", err)
		}
	}
	return existed, nil
}

// deleteMetrics removes up to deleteBatch metric rows of id and reports
// whether any are left.
func deleteMetrics(txn *badger.Txn, id string) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := metricPrefix(id)
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if len(keys) == deleteBatch {
			it.Close()
			return true, deleteKeys(txn, keys)
		}
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	return false, deleteKeys(txn, keys)
}

func deleteKeys(txn *badger.Txn, keys [][]byte) error {
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ListRecords returns every record, newest first.
func (s *Badger) ListRecords(_ context.Context) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	records := make([]Record, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sortRecords(records)
	return records, nil
}

// AppendMetric stores one bitrate reading for id.
func (s *Badger) AppendMetric(_ context.Context, id string, bitrate int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	m := Metric{DroneID: id, Bitrate: bitrate, RecordedAt: s.now().UTC()}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}
	key := append(metricPrefix(id), []byte(metricSuffix(m.RecordedAt, s.seq.Add(1)))...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// ListMetrics returns id's metrics in recording order. A positive limit
// keeps only the newest limit entries.
func (s *Badger) ListMetrics(_ context.Context, id string, limit int) ([]Metric, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	metrics := make([]Metric, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := metricPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Metric
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			metrics = append(metrics, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	if limit > 0 && len(metrics) > limit {
		metrics = metrics[len(metrics)-limit:]
	}
	return metrics, nil
}

// Close closes the underlying database.
func (s *Badger) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// metricSuffix sorts lexicographically by time, then insertion order.
func metricSuffix(t time.Time, seq uint64) string {
	ns := strconv.FormatInt(t.UnixNano(), 10)
	sq := strconv.FormatUint(seq, 10)
	return strings.Repeat("0", 20-len(ns)) + ns + strings.Repeat("0", 20-len(sq)) + sq
}

// badgerLogger routes badger's internal logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
