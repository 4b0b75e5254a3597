package escrow

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"escrowd/storage"
)

var (
	recordKeyPrefix = []byte("escrow/record/")
	nextIDKey       = []byte("escrow/nextid")
)

// Store persists escrow records in a key-value database and assigns their
// identifiers. Identifiers start at 1 and increase by exactly one per
// creation; an id is never reused, including across restarts. Records are
// never deleted.
type Store struct {
	mu sync.Mutex
	db storage.Database

	nextID uint64
}

// NewStore opens a record store on the given database. The id counter is
// loaded from disk and then rolled forward past any record persisted without
// a matching counter write, so a stale counter can never cause an id to be
// assigned twice.
func NewStore(db storage.Database) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("escrow store: database not configured")
	}
	s := &Store{db: db, nextID: 1}
	raw, err := db.Get(nextIDKey)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return nil, fmt.Errorf("escrow store: corrupt id counter")
		}
		s.nextID = binary.BigEndian.Uint64(raw)
	case errors.Is(err, storage.ErrKeyNotFound):
	default:
		return nil, err
	}
	for {
		ok, err := db.Has(recordKey(s.nextID))
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		s.nextID++
	}
	return s, nil
}

func recordKey(id uint64) []byte {
	key := make([]byte, len(recordKeyPrefix)+8)
	copy(key, recordKeyPrefix)
	binary.BigEndian.PutUint64(key[len(recordKeyPrefix):], id)
	return key
}

// NextID returns the identifier the next successful Create will assign.
func (s *Store) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Create assigns the next unused id to the record, persists it, and returns
// the id. The record and the advanced counter are committed in one batch, so
// a failed create leaves no record behind. The record is sanitized before
// being written; the caller's copy is not mutated.
func (s *Store) Create(rec *Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	sanitized, err := SanitizeRecord(rec)
	if err != nil {
		return 0, err
	}
	sanitized.ID = id
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return 0, fmt.Errorf("escrow store: encode record %d: %w", id, err)
	}
	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, id+1)
	batch := new(storage.Batch)
	batch.Put(recordKey(id), raw)
	batch.Put(nextIDKey, counter)
	if err := s.db.Write(batch); err != nil {
		return 0, err
	}
	s.nextID = id + 1
	return id, nil
}

// Get returns the record with the given id, or ErrNotFound if no record with
// that id was ever created.
func (s *Store) Get(id uint64) (*Record, error) {
	raw, err := s.db.Get(recordKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := new(Record)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("escrow store: decode record %d: %w", id, err)
	}
	return rec, nil
}

// Update replaces the stored record for an existing id. Updating a record
// that was never created is an error; there is no delete operation.
func (s *Store) Update(rec *Record) error {
	sanitized, err := SanitizeRecord(rec)
	if err != nil {
		return err
	}
	ok, err := s.db.Has(recordKey(sanitized.ID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return s.write(sanitized)
}

func (s *Store) write(rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("escrow store: encode record %d: %w", rec.ID, err)
	}
	return s.db.Put(recordKey(rec.ID), raw)
}
