package db

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/types"
)

const SchemaVersion = 1

const (
	cveBucket      = "cve"
	metadataBucket = "metadata"
	metadataKey    = "data"
)

var (
	db    *bolt.DB
	dbDir string
)

// Operation abstracts the store so collectors and exporters can be
// tested against a mock.
type Operation interface {
	BatchUpdate(fn func(tx *bolt.Tx) error) error
	PutCVERecord(tx *bolt.Tx, record types.CVERecord) error
	GetCVERecord(cveID string) (types.CVERecord, error)
	CVEIDs() ([]string, error)
	ForEachCVERecord(fn func(record types.CVERecord) error) error
	SetMetadata(metadata Metadata) error
}

// Metadata describes the state of the record store
type Metadata struct {
	Version   int
	UpdatedAt time.Time
}

type Config struct {
}

func Init(cacheDir string) (err error) {
	dbPath := Path(cacheDir)
	dbDir = filepath.Dir(dbPath)
	if err = os.MkdirAll(dbDir, 0o700); err != nil {
		return xerrors.Errorf("failed to mkdir: %w", err)
	}

	log.Debug("Opening record store", log.FilePath(dbPath))
	db, err = bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return xerrors.Errorf("failed to open db: %w", err)
	}
	return nil
}

func Path(cacheDir string) string {
	dbDir = filepath.Join(cacheDir, "db")
	dbPath := filepath.Join(dbDir, "cpss.db")
	return dbPath
}

func Close() error {
	if err := db.Close(); err != nil {
		return xerrors.Errorf("failed to close DB: %w", err)
	}
	return nil
}

func GetMetadata() (Metadata, error) {
	var metadata Metadata
	value, err := Config{}.get(metadataBucket, metadataKey)
	if err != nil {
		return Metadata{}, err
	}
	if err = json.Unmarshal(value, &metadata); err != nil {
		return Metadata{}, xerrors.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func (dbc Config) SetMetadata(metadata Metadata) error {
	if err := dbc.update(metadataBucket, metadataKey, metadata); err != nil {
		return xerrors.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (dbc Config) BatchUpdate(fn func(tx *bolt.Tx) error) error {
	if err := db.Batch(fn); err != nil {
		return xerrors.Errorf("error in batch update: %w", err)
	}
	return nil
}

func (dbc Config) PutCVERecord(tx *bolt.Tx, record types.CVERecord) error {
	if record.CveID == "" {
		return xerrors.New("empty CVE ID")
	}
	return dbc.put(tx, cveBucket, record.CveID, record)
}

func (dbc Config) GetCVERecord(cveID string) (types.CVERecord, error) {
	value, err := dbc.get(cveBucket, cveID)
	if err != nil {
		return types.CVERecord{}, err
	}
	if value == nil {
		return types.CVERecord{}, xerrors.Errorf("no record for %s", cveID)
	}

	var record types.CVERecord
	if err = json.Unmarshal(value, &record); err != nil {
		return types.CVERecord{}, xerrors.Errorf("failed to unmarshal CVE record: %w", err)
	}
	return record, nil
}

// CVEIDs returns the IDs of all stored records in key order.
func (dbc Config) CVEIDs() ([]string, error) {
	var ids []string
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cveBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list CVE IDs: %w", err)
	}
	return ids, nil
}

// ForEachCVERecord iterates stored records in key order.
func (dbc Config) ForEachCVERecord(fn func(record types.CVERecord) error) error {
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cveBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var record types.CVERecord
			if err := json.Unmarshal(v, &record); err != nil {
				return xerrors.Errorf("failed to unmarshal record %s: %w", string(k), err)
			}
			return fn(record)
		})
	})
	if err != nil {
		return xerrors.Errorf("failed to iterate CVE records: %w", err)
	}
	return nil
}

func (dbc Config) put(tx *bolt.Tx, bucketName, key string, value any) error {
	bucket, err := tx.CreateBucketIfNotExists([]byte(bucketName))
	if err != nil {
		return xerrors.Errorf("failed to create %s bucket: %w", bucketName, err)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return xerrors.Errorf("failed to marshal value: %w", err)
	}
	return bucket.Put([]byte(key), v)
}

func (dbc Config) update(bucketName, key string, value any) error {
	err := db.Update(func(tx *bolt.Tx) error {
		return dbc.put(tx, bucketName, key, value)
	})
	if err != nil {
		return xerrors.Errorf("error in db update: %w", err)
	}
	return nil
}

func (dbc Config) get(bucketName, key string) ([]byte, error) {
	var value []byte
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		res := bucket.Get([]byte(key))
		value = make([]byte, len(res))
		copy(value, res)
		if res == nil {
			value = nil
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to get data from db: %w", err)
	}
	return value, nil
}
