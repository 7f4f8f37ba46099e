package voicechat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/voxlink/voxlink/pkg/jsontime"
)

// Store persists conversation history. Append ordering within one
// (worker, session) pair is the insertion order; Load returns at most
// limit entries, the most recent ones, in that order.
type Store interface {
	Append(ctx context.Context, workerID, sessionID string, msg *Message) error
	Load(ctx context.Context, workerID, sessionID string, limit int) ([]*Message, error)
	Sessions(ctx context.Context, workerID string) ([]string, error)
	Close() error
}

// record is the msgpack value format. Message itself is not encoded
// directly because its timestamp type wraps time.Time, which msgpack
// cannot reflect over.
type record struct {
	ID        string `msgpack:"id"`
	Role      string `msgpack:"role"`
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"ts"` // unix milliseconds
	Source    string `msgpack:"source,omitempty"`
	Automated bool   `msgpack:"automated,omitempty"`
}

func toRecord(msg *Message) record {
	return record{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.Timestamp.Time().UnixMilli(),
		Source:    msg.Source,
		Automated: msg.Automated,
	}
}

func (r record) message() *Message {
	return &Message{
		ID:        r.ID,
		Role:      r.Role,
		Content:   r.Content,
		Timestamp: jsontime.Milli(time.UnixMilli(r.Timestamp)),
		Source:    r.Source,
		Automated: r.Automated,
	}
}

// Key layout:
//
//	hist:{workerID}:{sessionID}:{seq}  → msgpack-encoded record
//
// The zero-padded sequence number makes lexicographic key order match
// insertion order, so prefix scans replay a session chronologically.
func historyKey(workerID, sessionID string, seq uint64) []byte {
	return fmt.Appendf(nil, "hist:%s:%s:%012d", workerID, sessionID, seq)
}

func historyPrefix(workerID, sessionID string) []byte {
	return fmt.Appendf(nil, "hist:%s:%s:", workerID, sessionID)
}

// BadgerStore is the durable Store over BadgerDB.
type BadgerStore struct {
	db *badger.DB

	mu   sync.Mutex
	seqs map[string]uint64 // next sequence per worker:session
}

// BadgerStoreOptions configures OpenBadgerStore.
type BadgerStoreOptions struct {
	// Dir is the data directory. Required unless InMemory.
	Dir string

	// InMemory runs badger without disk persistence, for tests.
	InMemory bool
}

// OpenBadgerStore opens (creating if needed) a badger-backed store.
func OpenBadgerStore(opts BadgerStoreOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("voicechat: BadgerStoreOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("voicechat: open history store: %w", err)
	}
	return &BadgerStore{db: db, seqs: make(map[string]uint64)}, nil
}

// Append stores one message at the next sequence slot.
func (s *BadgerStore) Append(_ context.Context, workerID, sessionID string, msg *Message) error {
	data, err := msgpack.Marshal(toRecord(msg))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.nextSeq(workerID, sessionID)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(workerID, sessionID, seq), data)
	})
	if err != nil {
		return err
	}
	s.seqs[workerID+":"+sessionID] = seq + 1
	return nil
}

// nextSeq returns the next free sequence number, scanning the existing
// keys once per (worker, session) and caching afterwards. Caller holds mu.
func (s *BadgerStore) nextSeq(workerID, sessionID string) (uint64, error) {
	cacheKey := workerID + ":" + sessionID
	if seq, ok := s.seqs[cacheKey]; ok {
		return seq, nil
	}

	prefix := historyPrefix(workerID, sessionID)
	var next uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse-seek to the last key under the prefix.
		seek := append(append([]byte(nil), prefix...), 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			var last uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &last); err == nil {
				next = last + 1
			}
		}
		return nil
	})
	return next, err
}

// Load returns the most recent limit messages in insertion order.
// limit <= 0 means MaxHistory.
func (s *BadgerStore) Load(_ context.Context, workerID, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = MaxHistory
	}
	prefix := historyPrefix(workerID, sessionID)

	var msgs []*Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec record
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			})
			if err != nil {
				continue // skip malformed entries
			}
			msgs = append(msgs, rec.message())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Sessions lists the session ids recorded for a worker, in first-seen
// order.
func (s *BadgerStore) Sessions(_ context.Context, workerID string) ([]string, error) {
	prefix := []byte("hist:" + workerID + ":")

	var ids []string
	seen := make(map[string]bool)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			id, _, ok := strings.Cut(rest, ":")
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// MemoryStore is the in-memory Store, for tests and ephemeral embeds.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string][]*Message
	// session ids per worker, first-seen order
	sessions map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:        make(map[string][]*Message),
		sessions: make(map[string][]string),
	}
}

func (s *MemoryStore) Append(_ context.Context, workerID, sessionID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workerID + ":" + sessionID
	if _, ok := s.m[key]; !ok {
		s.sessions[workerID] = append(s.sessions[workerID], sessionID)
	}
	clone := *msg
	s.m[key] = append(s.m[key], &clone)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, workerID, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = MaxHistory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.m[workerID+":"+sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Sessions(_ context.Context, workerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessions[workerID]...), nil
}

func (s *MemoryStore) Close() error { return nil }

var (
	_ Store = (*BadgerStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
