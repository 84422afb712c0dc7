package datastore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/netmesh/overlay/content"
)

// LevelDBBackend is the on-disk RawBackend, wrapping
// github.com/syndtr/goleveldb for the persistent case spec.md §6 calls
// "pluggable" — this is the one concrete on-disk implementation this core
// ships, matching the original gnunet_datastore_service's default of
// "use whatever module the config names," minus the other modules.
type LevelDBBackend struct {
	db *leveldb.DB
}

// OpenLevelDBBackend opens (creating if absent) a LevelDB store at path.
func OpenLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("datastore: open leveldb: %w", err)
	}
	return &LevelDBBackend{db: db}, nil
}

// storageKey is {key(32), type(1), payload-hash(8)}: the payload hash
// discriminates multiple distinct values stored under one (key,type), per
// spec.md §4.5's del-by-value semantics.
func storageKey(key content.Query, typ content.Type, payload []byte) []byte {
	buf := make([]byte, 32+1+8)
	copy(buf[:32], key[:])
	buf[32] = byte(typ)
	binary.BigEndian.PutUint64(buf[33:41], xxhash.Sum64(payload))
	return buf
}

func prefixKeyType(key content.Query, typ content.Type) []byte {
	buf := make([]byte, 33)
	copy(buf[:32], key[:])
	buf[32] = byte(typ)
	return buf
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 4+4+8+len(e.Payload))
	binary.BigEndian.PutUint32(buf[0:4], e.Priority)
	binary.BigEndian.PutUint32(buf[4:8], e.Anonymity)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Expiration.Unix()))
	copy(buf[16:], e.Payload)
	return buf
}

func decodeEntry(key content.Query, typ content.Type, raw []byte) (Entry, error) {
	if len(raw) < 16 {
		return Entry{}, fmt.Errorf("datastore: truncated leveldb record")
	}
	return Entry{
		Key:        key,
		Type:       typ,
		Priority:   binary.BigEndian.Uint32(raw[0:4]),
		Anonymity:  binary.BigEndian.Uint32(raw[4:8]),
		Expiration: time.Unix(int64(binary.BigEndian.Uint64(raw[8:16])), 0),
		Payload:    append([]byte(nil), raw[16:]...),
	}, nil
}

func (b *LevelDBBackend) Insert(e Entry) error {
	return b.db.Put(storageKey(e.Key, e.Type, e.Payload), encodeEntry(e), nil)
}

func (b *LevelDBBackend) Iterate(key content.Query, typ content.Type, fn Iterator) error {
	prefix := prefixKeyType(key, typ)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		e, err := decodeEntry(key, typ, it.Value())
		if err != nil {
			continue
		}
		if !fn(e) {
			break
		}
	}
	return it.Error()
}

func (b *LevelDBBackend) IterateAll(fn Iterator) error {
	it := b.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		raw := it.Key()
		if len(raw) != 41 {
			continue
		}
		var key content.Query
		copy(key[:], raw[:32])
		typ := content.Type(raw[32])
		e, err := decodeEntry(key, typ, it.Value())
		if err != nil {
			continue
		}
		if !fn(e) {
			break
		}
	}
	return it.Error()
}

func (b *LevelDBBackend) Delete(key content.Query, typ content.Type, value []byte) (int, error) {
	if value != nil {
		sk := storageKey(key, typ, value)
		if _, err := b.db.Get(sk, nil); err != nil {
			if err == leveldb.ErrNotFound {
				return 0, nil
			}
			return 0, err
		}
		if err := b.db.Delete(sk, nil); err != nil {
			return 0, err
		}
		return 1, nil
	}

	prefix := prefixKeyType(key, typ)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := b.db.Delete(k, nil); err != nil {
			return len(keys), err
		}
	}
	return len(keys), nil
}

func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}
