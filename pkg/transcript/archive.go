package transcript

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	linesBucket    = "lines"
	versionKey     = "version"

	archiveVersion = 0
)

// Archive persists transcript lines in a bbolt file, keyed by a monotonically
// increasing sequence number.
type Archive struct {
	db *bolt.DB
}

// OpenArchive creates (or loads) the archive at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("transcript: failed to open archive: %w", err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(linesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != archiveVersion {
				return fmt.Errorf("transcript: incompatible archive version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{archiveVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{db: db}, nil
}

// Put appends one line.
func (a *Archive) Put(line string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(linesBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], []byte(line))
	})
}

// Lines returns every archived line in append order.
func (a *Archive) Lines() ([]string, error) {
	var lines []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(linesBucket)).ForEach(func(_, v []byte) error {
			lines = append(lines, string(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: failed to read archive: %w", err)
	}
	return lines, nil
}

// WriteTo exports the archive as plain text.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	lines, err := a.Lines()
	if err != nil {
		return 0, err
	}
	return writeLines(w, lines)
}

// Close flushes and closes the archive file.
func (a *Archive) Close() error {
	a.db.Sync()
	return a.db.Close()
}
