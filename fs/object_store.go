package fs

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ObjectStore is the surface a secondary (warm or cold) blob backend must
// satisfy. Objects are keyed directly by blob id.
type ObjectStore interface {
	Put(id string, content []byte) error
	Get(id string) ([]byte, error)
	Delete(id string) error
	Has(id string) bool
	Close() error
}

var bucketObjects = []byte("objects")

// BoltStore keeps warm-tier objects in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Put(id string, content []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(id), content)
	})
}

func (b *BoltStore) Get(id string) ([]byte, error) {
	var content []byte
	b.db.View(func(tx *bolt.Tx) error {
		if tmp := tx.Bucket(bucketObjects).Get([]byte(id)); tmp != nil {
			content = make([]byte, len(tmp))
			copy(content, tmp)
		}
		return nil
	})
	if content == nil {
		return nil, errNotFound(id)
	}
	return content, nil
}

func (b *BoltStore) Delete(id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(id))
	})
}

func (b *BoltStore) Has(id string) bool {
	found := false
	b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketObjects).Get([]byte(id)) != nil
		return nil
	})
	return found
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// DirStore keeps cold-tier objects as regular files under a directory, one
// file per blob id.
type DirStore struct {
	directory string
}

// NewDirStore creates the backing directory if needed.
func NewDirStore(directory string) (*DirStore, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, err
	}
	return &DirStore{directory: directory}, nil
}

func (d *DirStore) objectPath(id string) string {
	return filepath.Join(d.directory, id)
}

func (d *DirStore) Put(id string, content []byte) error {
	return os.WriteFile(d.objectPath(id), content, 0600)
}

func (d *DirStore) Get(id string) ([]byte, error) {
	content, err := os.ReadFile(d.objectPath(id))
	if err != nil {
		return nil, errNotFound(id)
	}
	return content, nil
}

func (d *DirStore) Delete(id string) error {
	err := os.Remove(d.objectPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *DirStore) Has(id string) bool {
	_, err := os.Stat(d.objectPath(id))
	return err == nil
}

func (d *DirStore) Close() error {
	return nil
}
