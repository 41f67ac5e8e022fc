package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/logger"
)

// Key prefixes for the badger evidence log.
const (
	prefixEvent byte = 0x01 // + big-endian seq -> event JSON
	prefixID    byte = 0x02 // + event ID -> seq
	prefixIdem  byte = 0x03 // + idempotency key -> seq
)

// BadgerLog is an evidence.Log on an embedded badger store. Sequences are
// assigned under a mutex so append order and key order agree.
type BadgerLog struct {
	db  *badger.DB
	mu  sync.Mutex
	seq uint64
	log *zap.SugaredLogger
}

var _ evidence.Log = (*BadgerLog)(nil)

// OpenBadger opens (or creates) a badger evidence log in dir. With inMemory
// set, dir is ignored and nothing touches disk.
func OpenBadger(dir string, inMemory bool, log *zap.SugaredLogger) (*BadgerLog, error) {
	log = logger.Named(log, "badger")
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithLogger(badgerLogger{log}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	b := &BadgerLog{db: db, log: log}
	if b.seq, err = b.lastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugw("evidence log opened", "dir", dir, "in_memory", inMemory, "seq", b.seq)
	return b, nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixEvent
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func indexKey(prefix byte, s string) []byte {
	return append([]byte{prefix}, s...)
}

func (b *BadgerLog) lastSeq() (uint64, error) {
	var seq uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// seek to the largest possible key under the prefix
		it.Seek(eventKey(math.MaxUint64))
		if it.ValidForPrefix([]byte{prefixEvent}) {
			seq = binary.BigEndian.Uint64(it.Item().Key()[1:])
		}
		return nil
	})
	return seq, errors.Wrap(err, "scan last seq")
}

// Append records e, rejecting a repeated event ID or idempotency key.
func (b *BadgerLog) Append(ctx context.Context, e evidence.Event) (evidence.EventID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e, err := evidence.Normalize(e)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.seq + 1
	e.Seq = seq
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "marshal event")
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(indexKey(prefixID, e.ID)); err != badger.ErrKeyNotFound {
			if err != nil {
				return err
			}
			return errors.Duplicatef("event %q already logged", e.ID)
		}
		if e.IdempotencyKey != "" {
			if _, err := txn.Get(indexKey(prefixIdem, e.IdempotencyKey)); err != badger.ErrKeyNotFound {
				if err != nil {
					return err
				}
				return errors.Duplicatef("idempotency key %q already logged", e.IdempotencyKey)
			}
			if err := txn.Set(indexKey(prefixIdem, e.IdempotencyKey), seqBuf[:]); err != nil {
				return err
			}
		}
		if err := txn.Set(indexKey(prefixID, e.ID), seqBuf[:]); err != nil {
			return err
		}
		return txn.Set(eventKey(seq), data)
	})
	if err != nil {
		if errors.IsDuplicate(err) {
			return "", err
		}
		return "", errors.Wrap(err, "append event")
	}
	b.seq = seq
	return e.ID, nil
}

// Read returns events after req.After with a timestamp at or after
// req.Since, in append order.
func (b *BadgerLog) Read(ctx context.Context, req evidence.ReadRequest) (evidence.Batch, error) {
	batch := evidence.Batch{Next: req.After}
	limit := req.PageSize()
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixEvent}
		for it.Seek(eventKey(req.After.Seq + 1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e evidence.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return errors.Wrapf(err, "decode event at %x", it.Item().Key())
			}
			batch.Next = evidence.Cursor{Seq: e.Seq}
			if !req.Since.IsZero() && e.Timestamp.Before(req.Since) {
				continue
			}
			batch.Events = append(batch.Events, e)
			if len(batch.Events) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return evidence.Batch{}, errors.Wrap(err, "read events")
	}
	return batch, nil
}

// Close flushes and closes the store.
func (b *BadgerLog) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
