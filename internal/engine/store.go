package engine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"go.etcd.io/bbolt"

	"github.com/zombor/scancore/internal/scanning"
)

const (
	recordsBucket = "records"
	metaBucket    = "meta"

	digestKey   = "digest"
	keyprintKey = "keyprint"
	syncedAtKey = "synced_at"
)

// storedRecord is the value kept for each record id
type storedRecord struct {
	Fingerprint string `json:"fingerprint"`
}

// store is the bbolt database behind an open engine
type store struct {
	db *bbolt.DB
}

// openStore opens the database file and verifies its integrity
func openStore(path string, key string) (*store, map[string]uint64, error) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, nil, fileError("open", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, nil, boltError("open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(metaBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, nil, scanning.NewError(scanning.CodeCorrupt, "open", fmt.Errorf("creating buckets: %w", err))
	}

	s := &store{db: db}
	records, err := s.load(key)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, records, nil
}

// load reads every record and checks the digest and key fingerprint
func (s *store) load(key string) (map[string]uint64, error) {
	records := make(map[string]uint64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if kp := meta.Get([]byte(keyprintKey)); kp != nil && string(kp) != keyprint(key) {
			return scanning.NewError(scanning.CodeCredentialMismatch, "open", fmt.Errorf("database was synced with another key"))
		}

		err := tx.Bucket([]byte(recordsBucket)).ForEach(func(k, v []byte) error {
			var rec storedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return scanning.NewError(scanning.CodeCorrupt, "open", fmt.Errorf("unmarshaling record %s: %w", k, err))
			}
			fp, err := parseFingerprint(rec.Fingerprint)
			if err != nil {
				return scanning.NewError(scanning.CodeCorrupt, "open", fmt.Errorf("record %s: %w", k, err))
			}
			records[string(k)] = fp
			return nil
		})
		if err != nil {
			return err
		}

		want := meta.Get([]byte(digestKey))
		if want == nil && len(records) == 0 {
			return nil
		}
		if string(want) != digest(records) {
			return scanning.NewError(scanning.CodeCorrupt, "open", fmt.Errorf("record digest mismatch"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// replace swaps the whole record set in one transaction
func (s *store) replace(records map[string]uint64, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(recordsBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(recordsBucket))
		if err != nil {
			return err
		}
		for id, fp := range records {
			data, err := json.Marshal(storedRecord{Fingerprint: formatFingerprint(fp)})
			if err != nil {
				return fmt.Errorf("marshaling record: %w", err)
			}
			if err := bucket.Put([]byte(id), data); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(metaBucket))
		if err := meta.Put([]byte(digestKey), []byte(digest(records))); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyprintKey), []byte(keyprint(key))); err != nil {
			return err
		}
		return meta.Put([]byte(syncedAtKey), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func (s *store) close() error {
	return s.db.Close()
}

// digest is a blake3 hash over the sorted record set
func digest(records map[string]uint64) string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := blake3.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write([]byte(formatFingerprint(records[id])))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// keyprint identifies an API key without storing it
func keyprint(key string) string {
	sum := blake3.Sum256([]byte("scancore keyprint\x00" + key))
	return hex.EncodeToString(sum[:])
}

func fileError(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return scanning.NewError(scanning.CodeNoFile, op, err)
	case errors.Is(err, fs.ErrPermission):
		return scanning.NewError(scanning.CodeNoPermission, op, err)
	}
	return scanning.NewError(scanning.CodeGeneric, op, err)
}

func boltError(op string, err error) error {
	switch {
	case errors.Is(err, bbolt.ErrTimeout):
		return scanning.NewError(scanning.CodeBusy, op, err)
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrVersionMismatch), errors.Is(err, bbolt.ErrChecksum):
		return scanning.NewError(scanning.CodeCorrupt, op, err)
	}
	return fileError(op, err)
}
