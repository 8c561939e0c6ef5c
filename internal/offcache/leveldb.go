package offcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb key layout:
//
//	s:<store>            storeMeta
//	e:<store>\x00<key>   Entry
//	m:<store>\x00<key>   diskMeta
const (
	storePrefix = "s:"
	entryPrefix = "e:"
	metaPrefix  = "m:"
	keySep      = "\x00"
)

type storeMeta struct {
	CreatedAt int64
}

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type touchOp struct {
	store *levelStore
	key   string
}

type levelRegistry struct {
	db *leveldb.DB

	// maxBytes caps each store; 0 is unbounded.
	maxBytes int64
	now      func() time.Time

	mu     sync.Mutex
	stores map[string]*levelStore

	closeMu sync.RWMutex
	closed  bool
	touches chan touchOp
	done    chan struct{}
}

// OpenLevelRegistry opens (or creates) a leveldb database at path.
func OpenLevelRegistry(path string, maxBytesPerStore int64) (Registry, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeError(err, "open leveldb")
	}
	return newLevelRegistry(db, maxBytesPerStore), nil
}

func newLevelRegistry(db *leveldb.DB, maxBytesPerStore int64) *levelRegistry {
	r := &levelRegistry{
		db:       db,
		maxBytes: maxBytesPerStore,
		now:      time.Now,
		stores:   map[string]*levelStore{},
		touches:  make(chan touchOp, 1024),
		done:     make(chan struct{}),
	}
	go r.touchLoop()
	return r
}

func (r *levelRegistry) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	close(r.touches)
	r.closeMu.Unlock()
	<-r.done
	return r.db.Close()
}

func (r *levelRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[name]; ok {
		return s, nil
	}

	marker := []byte(storePrefix + name)
	has, err := r.db.Has(marker, nil)
	if err != nil {
		return nil, storeError(err, "open store "+name)
	}
	if !has {
		b, err := encodeGob(storeMeta{CreatedAt: r.now().UTC().UnixNano()})
		if err != nil {
			return nil, storeError(err, "encode store marker")
		}
		if err := r.db.Put(marker, b, nil); err != nil {
			return nil, storeError(err, "create store "+name)
		}
	}

	s := &levelStore{reg: r, name: name, index: map[string]diskMeta{}}
	if err := s.loadIndex(); err != nil {
		return nil, storeError(err, "load index of "+name)
	}
	r.stores[name] = s
	return s, nil
}

func (r *levelRegistry) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := r.db.NewIterator(util.BytesPrefix([]byte(storePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(storePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, storeError(err, "list stores")
	}
	sort.Strings(out)
	return out, nil
}

func (r *levelRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	marker := []byte(storePrefix + name)
	has, err := r.db.Has(marker, nil)
	if err != nil {
		return false, storeError(err, "delete store "+name)
	}
	if s, ok := r.stores[name]; ok {
		s.drop()
		delete(r.stores, name)
	}
	if !has {
		return false, nil
	}

	batch := new(leveldb.Batch)
	for _, prefix := range []string{entryPrefix, metaPrefix} {
		it := r.db.NewIterator(util.BytesPrefix([]byte(prefix+name+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, storeError(err, "scan store "+name)
		}
	}
	batch.Delete(marker)
	if err := r.db.Write(batch, nil); err != nil {
		return false, storeError(err, "delete store "+name)
	}
	return true, nil
}

// touch queues a LastAccess write. Touches are dropped when the queue is full.
func (r *levelRegistry) touch(s *levelStore, key string) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.touches <- touchOp{store: s, key: key}:
	default:
	}
}

func (r *levelRegistry) touchLoop() {
	defer close(r.done)
	for op := range r.touches {
		op.store.applyTouch(op.key)
	}
}

// ---- store ----

type levelStore struct {
	reg  *levelRegistry
	name string

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
	dropped   bool
}

func (s *levelStore) Name() string { return s.name }

func (s *levelStore) entryKey(key string) []byte { return []byte(entryPrefix + s.name + keySep + key) }
func (s *levelStore) metaKey(key string) []byte  { return []byte(metaPrefix + s.name + keySep + key) }

func (s *levelStore) loadIndex() error {
	prefix := []byte(metaPrefix + s.name + keySep)
	it := s.reg.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *levelStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	if dropped {
		return Entry{}, ErrNotFound
	}

	b, err := s.reg.db.Get(s.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, storeError(err, "get "+key)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, storeError(err, "decode "+key)
	}

	s.mu.Lock()
	if meta, ok := s.index[key]; ok {
		meta.LastAccess = s.reg.now().UnixNano()
		s.index[key] = meta
	}
	s.mu.Unlock()
	s.reg.touch(s, key)
	return ent, nil
}

func (s *levelStore) Put(ctx context.Context, key string, ent Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGob(ent)
	if err != nil {
		return storeError(err, "encode "+key)
	}
	size := int64(len(b))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return storeError(ErrStoreDropped, "put "+key)
	}

	meta := diskMeta{Size: size, LastAccess: s.reg.now().UnixNano()}
	mb, err := encodeGob(meta)
	if err != nil {
		return storeError(err, "encode meta "+key)
	}
	batch := new(leveldb.Batch)
	batch.Put(s.entryKey(key), b)
	batch.Put(s.metaKey(key), mb)
	if err := s.reg.db.Write(batch, nil); err != nil {
		return storeError(err, "put "+key)
	}

	if old, ok := s.index[key]; ok {
		s.totalSize -= old.Size
	}
	s.index[key] = meta
	s.totalSize += size

	if limit := s.reg.maxBytes; limit > 0 && s.totalSize > limit {
		s.evictLocked(key)
	}
	return nil
}

func (s *levelStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.index), nil
}

// TotalSize is the encoded size of all entries, used by stats.
func (s *levelStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *levelStore) drop() {
	s.mu.Lock()
	s.dropped = true
	s.index = map[string]diskMeta{}
	s.totalSize = 0
	s.mu.Unlock()
}

func (s *levelStore) applyTouch(key string) {
	// Held across the write so an eviction cannot slip in between.
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[key]
	if !ok || s.dropped {
		return
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	_ = s.reg.db.Put(s.metaKey(key), mb, nil)
}

// evictLocked drops the least recently accessed entries, never the key
// that was just written, until the store fits its cap.
func (s *levelStore) evictLocked(keep string) {
	items := make([]evictionCandidate, 0, len(s.index))
	for k, m := range s.index {
		items = append(items, evictionCandidate{key: k, size: m.Size, at: m.LastAccess})
	}
	victims, total := pickEvictions(items, keep, s.totalSize, s.reg.maxBytes)

	batch := new(leveldb.Batch)
	for _, k := range victims {
		batch.Delete(s.entryKey(k))
		batch.Delete(s.metaKey(k))
		delete(s.index, k)
	}
	s.totalSize = total
	_ = s.reg.db.Write(batch, nil)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
