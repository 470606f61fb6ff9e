// Package journal is a LevelDB write-ahead log of registry events.
//
// Keys are a one byte prefix followed by the big endian event sequence, so an
// iterator over the prefix yields events in commit order.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"metaprofile.org/internal/registry"
)

const (
	prefixEvent byte = 'E'
	prefixMeta  byte = 'M'
)

var keyLastSeq = []byte{prefixMeta, 'l', 'a', 's', 't'}

// ErrOutOfOrder is returned when an appended event does not follow the last one.
var ErrOutOfOrder = errors.New("journal: event sequence out of order")

// Journal appends events to LevelDB with synchronous writes.
type Journal struct {
	mu   sync.Mutex
	db   *leveldb.DB
	last uint64
	sync bool
}

var _ registry.Journal = (*Journal)(nil)

// Open opens (or creates) a journal at path.
func Open(path string) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return newJournal(db, true)
}

// OpenMemory opens a journal that lives only in memory.
func OpenMemory() (*Journal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open memory: %w", err)
	}
	return newJournal(db, false)
}

func newJournal(db *leveldb.DB, sync bool) (*Journal, error) {
	j := &Journal{db: db, sync: sync}
	value, err := db.Get(keyLastSeq, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("journal: read last sequence: %w", err)
	default:
		if len(value) != 8 {
			_ = db.Close()
			return nil, fmt.Errorf("journal: corrupt last sequence record")
		}
		j.last = binary.BigEndian.Uint64(value)
	}
	return j, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// LastSeq returns the sequence of the newest stored event.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Append stores ev and the new last sequence in one batch.
func (j *Journal) Append(ctx context.Context, ev registry.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: encode event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if ev.Seq != j.last+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrOutOfOrder, j.last, ev.Seq)
	}
	batch := new(leveldb.Batch)
	batch.Put(eventKey(ev.Seq), data)
	batch.Put(keyLastSeq, seqBytes(ev.Seq))
	if err := j.db.Write(batch, &opt.WriteOptions{Sync: j.sync}); err != nil {
		return fmt.Errorf("journal: write event %d: %w", ev.Seq, err)
	}
	j.last = ev.Seq
	return nil
}

// Replay calls fn for every stored event after the given sequence, in order.
func (j *Journal) Replay(ctx context.Context, after uint64, fn func(registry.Event) error) error {
	iter := j.db.NewIterator(&ldbutil.Range{
		Start: eventKey(after + 1),
		Limit: []byte{prefixEvent + 1},
	}, nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev registry.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return fmt.Errorf("journal: decode event %x: %w", iter.Key(), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Restore replays the journal into reg.
func (j *Journal) Restore(ctx context.Context, reg *registry.InMemory) (int, error) {
	n := 0
	err := j.Replay(ctx, reg.Seq(), func(ev registry.Event) error {
		if err := reg.Apply(ev); err != nil {
			return fmt.Errorf("journal: apply event %d: %w", ev.Seq, err)
		}
		n++
		return nil
	})
	return n, err
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixEvent
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
