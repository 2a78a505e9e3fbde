package catalog

import (
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
)

const (
	bucketPrograms = "programs"
	bucketMeta     = "meta"

	metaKeySchemaVersion = "schema_version"
	schemaVersion        = "1"
)

// Store is the embedded catalog backing store. One bbolt file holds every
// tracked Program, keyed by a flattened "<id>_<field>" convention within a
// single bucket — grounded on the teacher's internal/storage/bolt.go, which
// keeps one bucket per logical record family and guards schema compatibility
// in the same open transaction that creates the buckets.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the catalog database at path. It retries
// up to maxRetries times, sleeping delay between attempts, to tolerate a
// lock briefly held by a prior instance shutting down.
func Open(path string, maxRetries int, delay time.Duration) (*Store, error) {
	var (
		db  *bbolt.DB
		err error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		db, err = bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
		if err == nil {
			break
		}
		if attempt < maxRetries {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindDatabase, fmt.Errorf("open %q after %d attempts: %w", path, maxRetries+1, err))
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketPrograms)); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		existing := meta.Get([]byte(metaKeySchemaVersion))
		if existing == nil {
			return meta.Put([]byte(metaKeySchemaVersion), []byte(schemaVersion))
		}
		if string(existing) != schemaVersion {
			return fmt.Errorf("catalog schema version %q on disk does not match expected %q", existing, schemaVersion)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, bpmerrors.New(bpmerrors.KindDatabase, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return bpmerrors.New(bpmerrors.KindDatabase, err)
	}
	return nil
}

// PutProgram writes p as a batch of flattened key-value pairs in a single
// transaction, so a crash mid-write never leaves a partially-keyed record
// visible to GetProgram or ScanAll.
func (s *Store) PutProgram(p *Program) error {
	fields, err := flatten(p)
	if err != nil {
		return bpmerrors.New(bpmerrors.KindDatabase, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketPrograms))
		for k, v := range fields {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return bpmerrors.New(bpmerrors.KindDatabase, err)
	}
	return nil
}

// GetProgram reads a single program by id. Returns a bpmerrors KindNotFound
// error if no record with that id prefix exists.
func (s *Store) GetProgram(id uint32) (*Program, error) {
	fields := make(map[string][]byte)
	prefix := []byte(fmt.Sprintf("%d_", id))
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketPrograms)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			cp := make([]byte, len(v))
			copy(cp, v)
			fields[string(k)] = cp
		}
		return nil
	})
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindDatabase, err)
	}
	if len(fields) == 0 {
		return nil, bpmerrors.NotFound(id)
	}
	p, err := unflatten(id, fields)
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindDatabase, err)
	}
	return p, nil
}

// DeleteProgram removes every key carrying id's prefix.
func (s *Store) DeleteProgram(id uint32) error {
	prefix := []byte(fmt.Sprintf("%d_", id))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketPrograms))
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			cp := make([]byte, len(k))
			copy(cp, k)
			keys = append(keys, cp)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return bpmerrors.New(bpmerrors.KindDatabase, err)
	}
	return nil
}

// ScanAll returns every tracked program, sorted by id, for List and for
// dispatcher rebuild-on-restart reconciliation.
func (s *Store) ScanAll() ([]*Program, error) {
	var ids []uint32
	fieldsByID := make(map[uint32]map[string][]byte)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketPrograms))
		return b.ForEach(func(k, v []byte) error {
			key := string(k)
			i := 0
			for i < len(key) && key[i] != '_' {
				i++
			}
			if i == 0 || i == len(key) {
				return nil
			}
			var id uint32
			if _, err := fmt.Sscanf(key[:i], "%d", &id); err != nil {
				return nil
			}
			m, ok := fieldsByID[id]
			if !ok {
				m = make(map[string][]byte)
				fieldsByID[id] = m
				ids = append(ids, id)
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			m[key] = cp
			return nil
		})
	})
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindDatabase, err)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	programs := make([]*Program, 0, len(ids))
	for _, id := range ids {
		p, err := unflatten(id, fieldsByID[id])
		if err != nil {
			return nil, bpmerrors.New(bpmerrors.KindDatabase, err)
		}
		programs = append(programs, p)
	}
	return programs, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
