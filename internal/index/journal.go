package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketDocs  = []byte("docs")
	bucketMeta  = []byte("meta")
	keySequence = []byte("sequence")
)

// journal keeps committed documents on local disk so a restarted writer resumes from exactly
// the state its acknowledged bus offsets describe.
type journal struct {
	db *bbolt.DB
}

func openJournal(path string) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &journal{db: db}, nil
}

func (j *journal) load() ([]storedDoc, uint64, error) {
	var (
		docs []storedDoc
		seq  uint64
	)
	err := j.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keySequence); len(v) == 8 {
			seq = binary.BigEndian.Uint64(v)
		}
		return tx.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
			var d storedDoc
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("document %s: %w", k, err)
			}
			docs = append(docs, d)
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load journal: %w", err)
	}
	return docs, seq, nil
}

func (j *journal) apply(puts []storedDoc, deletes []string, seq uint64) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		for _, id := range deletes {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		for i := range puts {
			data, err := json.Marshal(&puts[i])
			if err != nil {
				return fmt.Errorf("encode %s: %w", puts[i].ID, err)
			}
			if err := b.Put([]byte(puts[i].ID), data); err != nil {
				return err
			}
		}
		return putSequence(tx, seq)
	})
}

// replace swaps the whole journal content, used after a restore.
func (j *journal) replace(docs []storedDoc, seq uint64) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketDocs); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketDocs)
		if err != nil {
			return err
		}
		for i := range docs {
			data, err := json.Marshal(&docs[i])
			if err != nil {
				return fmt.Errorf("encode %s: %w", docs[i].ID, err)
			}
			if err := b.Put([]byte(docs[i].ID), data); err != nil {
				return err
			}
		}
		return putSequence(tx, seq)
	})
}

func putSequence(tx *bbolt.Tx, seq uint64) error {
	return tx.Bucket(bucketMeta).Put(keySequence, binary.BigEndian.AppendUint64(nil, seq))
}

func (j *journal) close() error {
	return j.db.Close()
}
