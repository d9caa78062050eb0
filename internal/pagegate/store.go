package pagegate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned when a partition holds no entry for a key.
var ErrNotFound = errors.New("entry not found")

const (
	partitionRegistryPrefix = "part:"
	entryPrefix             = "p:"
)

// Store is a persistent mapping from keys to snapshots, organized into
// independent named partitions. All partitions share one leveldb database;
// a partition is a key namespace plus a registry entry, so deleting a
// partition destroys every entry it owns and nothing else.
type Store struct {
	db *leveldb.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(partition, key string) []byte {
	return []byte(entryPrefix + partition + ":" + key)
}

// OpenPartition registers a partition. Opening an existing partition is a
// no-op; entries are never affected.
func (s *Store) OpenPartition(name string) error {
	return s.db.Put([]byte(partitionRegistryPrefix+name), []byte{1}, nil)
}

// ListPartitions returns the names of all registered partitions, sorted.
func (s *Store) ListPartitions() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(partitionRegistryPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(partitionRegistryPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// DeletePartition removes a partition and every entry it owns in one batch.
// Deleting an absent partition is a no-op.
func (s *Store) DeletePartition(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(partitionRegistryPrefix + name))

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+":")), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// Put stores a snapshot under key, overwriting any prior record. The
// partition is registered lazily in the same batch.
func (s *Store) Put(partition, key string, snap ResponseSnapshot) error {
	b, err := encodeGob(snap)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(partitionRegistryPrefix+partition), []byte{1})
	batch.Put(entryKey(partition, key), b)
	return s.db.Write(batch, nil)
}

// Get returns the snapshot stored under key, or ErrNotFound.
func (s *Store) Get(partition, key string) (ResponseSnapshot, error) {
	b, err := s.db.Get(entryKey(partition, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ResponseSnapshot{}, ErrNotFound
	}
	if err != nil {
		return ResponseSnapshot{}, err
	}
	var snap ResponseSnapshot
	if err := decodeGob(b, &snap); err != nil {
		return ResponseSnapshot{}, err
	}
	return snap, nil
}

// PutRaw stores an opaque payload under key; used for records that are not
// response snapshots, like preserved page state.
func (s *Store) PutRaw(partition, key string, value []byte) error {
	batch := new(leveldb.Batch)
	batch.Put([]byte(partitionRegistryPrefix+partition), []byte{1})
	batch.Put(entryKey(partition, key), value)
	return s.db.Write(batch, nil)
}

// GetRaw returns the opaque payload stored under key, or ErrNotFound.
func (s *Store) GetRaw(partition, key string) ([]byte, error) {
	b, err := s.db.Get(entryKey(partition, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
