package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRepositories = []byte("repositories")
	bucketClusterMeta  = []byte("cluster_meta")
	keyClusterUUID     = []byte("cluster_uuid")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "snapvault.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRepositories, bucketClusterMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateRepository registers reg, failing if a repository of the same name
// already exists.
func (s *BoltStore) CreateRepository(reg *RepositoryRegistration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		if b.Get([]byte(reg.Name)) != nil {
			return fmt.Errorf("repository already registered: %s", reg.Name)
		}
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return b.Put([]byte(reg.Name), data)
	})
}

// GetRepository returns the registration for name.
func (s *BoltStore) GetRepository(name string) (*RepositoryRegistration, error) {
	var reg RepositoryRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("repository not registered: %s", name)
		}
		return json.Unmarshal(data, &reg)
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// ListRepositories returns every registered repository.
func (s *BoltStore) ListRepositories() ([]*RepositoryRegistration, error) {
	var regs []*RepositoryRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		return b.ForEach(func(k, v []byte) error {
			var reg RepositoryRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			regs = append(regs, &reg)
			return nil
		})
	})
	return regs, err
}

// UpdateRepository overwrites the registration for reg.Name.
func (s *BoltStore) UpdateRepository(reg *RepositoryRegistration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return b.Put([]byte(reg.Name), data)
	})
}

// DeleteRepository removes the registration for name.
func (s *BoltStore) DeleteRepository(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).Delete([]byte(name))
	})
}

// SaveClusterUUID persists the cluster identity.
func (s *BoltStore) SaveClusterUUID(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterMeta).Put(keyClusterUUID, []byte(uuid))
	})
}

// GetClusterUUID returns the persisted cluster identity, or "" if none has
// been saved yet.
func (s *BoltStore) GetClusterUUID() (string, error) {
	var uuid string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketClusterMeta).Get(keyClusterUUID)
		uuid = string(v)
		return nil
	})
	return uuid, err
}
