package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/wire"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	// Bucket names, nested under the bucket of each group
	recordsBucket  = []byte("records")
	metadataBucket = []byte("metadata")

	// Metadata keys
	voteStateKey = []byte("voteState")
)

const (
	groupBucketPrefix = "group-"

	// DefaultCacheBytes is the size of the record cache when Options.CacheBytes is not set
	DefaultCacheBytes = 32 * 1024 * 1024

	checksumSize = 8
)

// Options configures a BboltStore
type Options struct {
	// NoSync skips the fsync of every append. Appended records only become durable on Flush.
	NoSync bool
	// CacheBytes is the size of the in-memory cache of encoded records
	CacheBytes int
	Logger     raft.Logger
}

// BboltStore keeps the logs of every group hosted by a node in a single bbolt database, one bucket per group.
//
// Record values are checksummed (xxhash) and compressed (snappy). Encoded records are cached in memory, which mostly
// serves leaders reading recent records to replicate them.
type BboltStore struct {
	conn   *bbolt.DB
	cache  *fastcache.Cache
	noSync bool
	logger raft.Logger

	mu     sync.Mutex
	groups map[raft.GroupID]*groupLog
}

// NewBboltStore opens (or creates) the database at path
func NewBboltStore(path string, opts Options) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	cacheBytes := opts.CacheBytes
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = raft.NopLogger()
	}

	return &BboltStore{
		conn:   db,
		cache:  fastcache.New(cacheBytes),
		noSync: opts.NoSync,
		logger: logger,
		groups: make(map[raft.GroupID]*groupLog),
	}, nil
}

// Group returns the log of a group, creating it if it does not exist yet
func (s *BboltStore) Group(id raft.GroupID) (Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[id]; ok {
		return g, nil
	}

	g := &groupLog{store: s, id: id, name: groupBucketName(id)}
	err := s.conn.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(g.name)
		if err != nil {
			return fmt.Errorf("failed to create bucket of group %d: %w", id, err)
		}
		if _, err := root.CreateBucketIfNotExists(recordsBucket); err != nil {
			return fmt.Errorf("failed to create records bucket of group %d: %w", id, err)
		}
		if _, err := root.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket of group %d: %w", id, err)
		}

		// Whatever survived a restart is durable
		k, v := root.Bucket(recordsBucket).Cursor().Last()
		if k == nil {
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		g.last, g.lastTerm, g.flushed = r.Offset, r.Term, r.Offset
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.groups[id] = g
	s.logger.Debugf("[STORAGE] Opened log of group %d (last=%d, term=%d)", id, g.last, g.lastTerm)
	return g, nil
}

// RemoveGroup deletes the log of a group
func (s *BboltStore) RemoveGroup(id raft.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[id]; ok {
		g.mu.Lock()
		g.evict(1, g.last)
		g.removed = true
		g.mu.Unlock()
		delete(s.groups, id)
	}

	err := s.conn.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(groupBucketName(id))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove group %d: %w", id, err)
	}
	return nil
}

// Groups lists every group with a log in the database
func (s *BboltStore) Groups() ([]raft.GroupID, error) {
	var ids []raft.GroupID
	err := s.conn.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			id, ok := parseGroupBucketName(name)
			if ok {
				ids = append(ids, id)
			}
			return nil
		})
	})
	return ids, err
}

// CacheStats returns the statistics of the record cache
func (s *BboltStore) CacheStats() fastcache.Stats {
	var stats fastcache.Stats
	s.cache.UpdateStats(&stats)
	return stats
}

// Close closes the database
func (s *BboltStore) Close() error {
	s.cache.Reset()
	return s.conn.Close()
}

type groupLog struct {
	store *BboltStore
	id    raft.GroupID
	name  []byte

	mu       sync.RWMutex
	last     raft.Offset
	lastTerm raft.Term
	flushed  raft.Offset
	removed  bool
}

func (g *groupLog) bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	root := tx.Bucket(g.name)
	if root == nil {
		return nil, fmt.Errorf("%w: %d", raft.ErrGroupNotFound, g.id)
	}
	return root.Bucket(name), nil
}

func (g *groupLog) Append(records []raft.Record) (raft.Offset, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.removed {
		return 0, fmt.Errorf("%w: %d", raft.ErrGroupNotFound, g.id)
	}
	if len(records) == 0 {
		return g.last, nil
	}
	for i, r := range records {
		if expected := g.last + raft.Offset(i) + 1; r.Offset != expected {
			return g.last, fmt.Errorf("%w: expected offset %d, got %d", raft.ErrOffsetOutOfRange, expected, r.Offset)
		}
	}

	encoded := make([][]byte, len(records))
	err := g.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket, err := g.bucket(tx, recordsBucket)
		if err != nil {
			return err
		}
		// Keys are appended in order, pages can be packed
		bucket.FillPercent = 0.9

		for i, r := range records {
			encoded[i] = encodeRecord(r)
			if err := bucket.Put(offsetBytes(r.Offset), encoded[i]); err != nil {
				return fmt.Errorf("failed to put record %d: %w", r.Offset, err)
			}
		}
		return nil
	})
	if err != nil {
		return g.last, err
	}

	for i, r := range records {
		g.store.cache.Set(g.key(r.Offset), encoded[i])
	}

	tail := records[len(records)-1]
	g.last, g.lastTerm = tail.Offset, tail.Term
	if !g.store.noSync {
		g.flushed = g.last
	}
	return g.last, nil
}

func (g *groupLog) Read(from raft.Offset, max int) ([]raft.Record, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if from > g.last || max <= 0 {
		return nil, nil
	}
	to := min(g.last, from+raft.Offset(max)-1)
	out := make([]raft.Record, 0, int(to-from)+1)

	// Serve the head of the range from the cache, fall back to the database at the first miss
	next := from
	for ; next <= to; next++ {
		v, ok := g.store.cache.HasGet(nil, g.key(next))
		if !ok {
			break
		}
		r, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if next > to {
		return out, nil
	}

	err := g.store.conn.View(func(tx *bbolt.Tx) error {
		bucket, err := g.bucket(tx, recordsBucket)
		if err != nil {
			return err
		}

		c := bucket.Cursor()
		for k, v := c.Seek(offsetBytes(next)); k != nil; k, v = c.Next() {
			offset := raft.Offset(binary.BigEndian.Uint64(k))
			if offset > to {
				break
			}
			r, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("failed to read record %d: %w", offset, err)
			}
			g.store.cache.Set(g.key(offset), v)
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *groupLog) TermAt(offset raft.Offset) (raft.Term, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.termAt(offset)
}

// termAt must be called with g.mu held
func (g *groupLog) termAt(offset raft.Offset) (raft.Term, error) {
	switch {
	case offset == 0:
		return 0, nil
	case offset == g.last:
		return g.lastTerm, nil
	case offset > g.last:
		return 0, fmt.Errorf("%w: offset %d is past the end of the log (%d)", raft.ErrOffsetOutOfRange, offset, g.last)
	}

	if v, ok := g.store.cache.HasGet(nil, g.key(offset)); ok {
		r, err := decodeRecord(v)
		if err != nil {
			return 0, err
		}
		return r.Term, nil
	}

	var term raft.Term
	err := g.store.conn.View(func(tx *bbolt.Tx) error {
		bucket, err := g.bucket(tx, recordsBucket)
		if err != nil {
			return err
		}
		v := bucket.Get(offsetBytes(offset))
		if v == nil {
			return fmt.Errorf("%w: record %d not found", raft.ErrOffsetOutOfRange, offset)
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		term = r.Term
		return nil
	})
	return term, err
}

func (g *groupLog) Truncate(offset raft.Offset) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if offset == 0 {
		offset = 1
	}
	if offset > g.last {
		return nil
	}

	err := g.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket, err := g.bucket(tx, recordsBucket)
		if err != nil {
			return err
		}

		// Collect first, deleting under a moving cursor skips keys
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(offsetBytes(offset)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to truncate group %d at %d: %w", g.id, offset, err)
	}

	g.evict(offset, g.last)
	g.last = offset - 1
	g.flushed = min(g.flushed, g.last)
	term, err := g.termAtDisk(g.last)
	if err != nil {
		return err
	}
	g.lastTerm = term
	return nil
}

func (g *groupLog) termAtDisk(offset raft.Offset) (raft.Term, error) {
	if offset == 0 {
		return 0, nil
	}
	var term raft.Term
	err := g.store.conn.View(func(tx *bbolt.Tx) error {
		bucket, err := g.bucket(tx, recordsBucket)
		if err != nil {
			return err
		}
		v := bucket.Get(offsetBytes(offset))
		if v == nil {
			return fmt.Errorf("%w: record %d not found", raft.ErrOffsetOutOfRange, offset)
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		term = r.Term
		return nil
	})
	return term, err
}

func (g *groupLog) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.flushed == g.last {
		return nil
	}
	if g.store.noSync {
		if err := g.store.conn.Sync(); err != nil {
			return fmt.Errorf("failed to flush group %d: %w", g.id, err)
		}
	}
	g.flushed = g.last
	return nil
}

func (g *groupLog) LastOffset() raft.Offset {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

func (g *groupLog) LastTerm() raft.Term {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastTerm
}

func (g *groupLog) FlushedOffset() raft.Offset {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.flushed
}

func (g *groupLog) VoteState() (VoteState, error) {
	var state VoteState
	err := g.store.conn.View(func(tx *bbolt.Tx) error {
		bucket, err := g.bucket(tx, metadataBucket)
		if err != nil {
			return err
		}
		data := bucket.Get(voteStateKey)
		if data == nil {
			return nil
		}
		if err := msgpack.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("failed to decode vote state of group %d: %w", g.id, err)
		}
		return nil
	})
	return state, err
}

func (g *groupLog) SetVoteState(state VoteState) error {
	data, err := msgpack.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to encode vote state of group %d: %w", g.id, err)
	}

	err = g.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket, err := g.bucket(tx, metadataBucket)
		if err != nil {
			return err
		}
		return bucket.Put(voteStateKey, data)
	})
	if err != nil {
		return err
	}

	if g.store.noSync {
		if err := g.store.conn.Sync(); err != nil {
			return fmt.Errorf("failed to sync vote state of group %d: %w", g.id, err)
		}
	}
	return nil
}

// key is the cache key of a record: the group id followed by the offset, both big endian
func (g *groupLog) key(offset raft.Offset) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k, uint64(g.id))
	binary.BigEndian.PutUint64(k[8:], uint64(offset))
	return k
}

// evict must be called with g.mu held
func (g *groupLog) evict(from, to raft.Offset) {
	for o := max(from, 1); o <= to; o++ {
		g.store.cache.Del(g.key(o))
	}
}

// encodeRecord produces the stored form of a record: an xxhash checksum of the body, then the snappy compressed
// wire encoding of the record
func encodeRecord(r raft.Record) []byte {
	body := snappy.Encode(nil, wire.AppendRecord(nil, r))
	out := make([]byte, checksumSize+len(body))
	binary.BigEndian.PutUint64(out, xxhash.Sum64(body))
	copy(out[checksumSize:], body)
	return out
}

func decodeRecord(v []byte) (raft.Record, error) {
	if len(v) < checksumSize {
		return raft.Record{}, fmt.Errorf("%w: value too short (%d bytes)", raft.ErrCorruptedRecord, len(v))
	}
	body := v[checksumSize:]
	if binary.BigEndian.Uint64(v) != xxhash.Sum64(body) {
		return raft.Record{}, fmt.Errorf("%w: checksum mismatch", raft.ErrCorruptedRecord)
	}

	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return raft.Record{}, fmt.Errorf("%w: %v", raft.ErrCorruptedRecord, err)
	}
	r, err := wire.DecodeRecord(decoded)
	if err != nil {
		return raft.Record{}, fmt.Errorf("%w: %v", raft.ErrCorruptedRecord, err)
	}
	return r, nil
}

func groupBucketName(id raft.GroupID) []byte {
	return []byte(groupBucketPrefix + strconv.FormatInt(int64(id), 10))
}

func parseGroupBucketName(name []byte) (raft.GroupID, bool) {
	s, ok := strings.CutPrefix(string(name), groupBucketPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return raft.GroupID(id), true
}

// Helper functions for uint64 <-> []byte conversion
func offsetBytes(o raft.Offset) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(o))
	return b
}
