// Package store persists analyses, prerun chains and PMC steps in a
// bolt database.
//
// The layout is hierarchical. The "meta" bucket holds the creator,
// the format version, the run id and the creation time. The "data"
// bucket holds the parameter descriptions, one bucket per chain under
// "prerun" and "main", and one bucket per step under "pmc". Numeric
// data is stored in chunked append-only tables.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/bayesfit/bayesfit/analysis"
)

// log is the global logging variable.
var log = logging.MustGetLogger("store")

const (
	// Creator is written to the metadata of every file.
	Creator = "bayesfit"
	// FormatVersion is the version of the layout.
	FormatVersion = "1"
)

var (
	// ErrReadOnly is returned when writing to a store opened
	// read-only.
	ErrReadOnly = errors.New("store is read-only")
	// ErrNotFound is returned when requested data doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrVersion is returned when a file was created by another
	// program or with an incompatible layout.
	ErrVersion = errors.New("incompatible file")
)

var (
	metaBucket = []byte("meta")
	dataBucket = []byte("data")

	descriptionsKey = []byte("descriptions")
	versionKey      = []byte("version")
)

// Metadata describes a file.
type Metadata struct {
	Creator string    `json:"creator"`
	Version string    `json:"version"`
	RunID   string    `json:"runId"`
	Created time.Time `json:"created"`
	// Software is the version of the program which wrote the file.
	Software string `json:"software"`
}

// Store is an open file. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	db       *bolt.DB
	readOnly bool
	meta     Metadata
	tables   map[string]*Table
}

// Create creates a new file, software is recorded in the metadata.
// It fails if the file exists.
func Create(path, software string) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Errorf("file %s already exists", path)
	}
	db, err := bolt.Open(path, 0666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", path)
	}
	s := &Store{
		db:     db,
		tables: make(map[string]*Table),
		meta: Metadata{
			Creator:  Creator,
			Version:  FormatVersion,
			RunID:    uuid.New().String(),
			Created:  time.Now().UTC(),
			Software: software,
		},
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		for k, v := range map[string]string{
			"creator":  s.meta.Creator,
			"version":  s.meta.Version,
			"run-id":   s.meta.RunID,
			"created":  s.meta.Created.Format(time.RFC3339Nano),
			"software": s.meta.Software,
		} {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		_, err = tx.CreateBucket(dataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "writing metadata")
	}
	log.Infof("Created %s, run id %s", path, s.meta.RunID)
	return s, nil
}

// Open opens an existing file.
func Open(path string, readOnly bool) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	db, err := bolt.Open(path, 0666, &bolt.Options{Timeout: time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	s := &Store{db: db, readOnly: readOnly, tables: make(map[string]*Table)}
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil || tx.Bucket(dataBucket) == nil {
			return errors.Wrap(ErrVersion, "no metadata")
		}
		s.meta.Creator = string(b.Get([]byte("creator")))
		s.meta.Version = string(b.Get([]byte("version")))
		s.meta.RunID = string(b.Get([]byte("run-id")))
		s.meta.Software = string(b.Get([]byte("software")))
		created, err := time.Parse(time.RFC3339Nano, string(b.Get([]byte("created"))))
		if err != nil {
			return errors.Wrap(ErrVersion, "creation time")
		}
		s.meta.Created = created
		if s.meta.Creator != Creator || s.meta.Version != FormatVersion {
			return errors.Wrapf(ErrVersion, "created by %s, version %s", s.meta.Creator, s.meta.Version)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("Opened %s, run id %s", path, s.meta.RunID)
	return s, nil
}

// Close closes all the tables and the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if !s.readOnly {
		for _, t := range s.tables {
			if err := t.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	s.tables = nil
	if err := s.db.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Metadata returns the file metadata.
func (s *Store) Metadata() Metadata {
	return s.meta
}

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// update runs a writable transaction.
func (s *Store) update(f func(tx *bolt.Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(f)
}

// bucket returns the nested bucket at path inside of the data
// bucket, creating it if create is set. nil is returned if the bucket
// doesn't exist.
func bucket(tx *bolt.Tx, path []string, create bool) (*bolt.Bucket, error) {
	b := tx.Bucket(dataBucket)
	if b == nil {
		return nil, errors.Wrap(ErrVersion, "no data bucket")
	}
	for _, name := range path {
		next := b.Bucket([]byte(name))
		if next == nil {
			if !create {
				return nil, nil
			}
			var err error
			if next, err = b.CreateBucket([]byte(name)); err != nil {
				return nil, errors.Wrapf(err, "creating bucket %s", name)
			}
		}
		b = next
	}
	return b, nil
}

// putJSON stores v as JSON under key in the bucket at path.
func (s *Store) putJSON(path []string, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "serializing %s", key)
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, path, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// getJSON reads a value stored with putJSON. ErrNotFound is returned
// if it doesn't exist.
func (s *Store) getJSON(path []string, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, path, false)
		if err != nil {
			return err
		}
		if b == nil {
			return errors.Wrapf(ErrNotFound, "%v", path)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "%s in %v", key, path)
		}
		return errors.Wrapf(json.Unmarshal(data, v), "decoding %s", key)
	})
}

// WriteDescriptions stores the parameter descriptions together with
// the software version.
func (s *Store) WriteDescriptions(ds []analysis.Description) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, []string{string(descriptionsKey)}, true)
		if err != nil {
			return err
		}
		if err := b.Put([]byte("parameters"), data); err != nil {
			return err
		}
		return b.Put(versionKey, []byte(s.meta.Software))
	})
}

// ReadDescriptions returns the stored parameter descriptions and the
// software version which wrote them.
func (s *Store) ReadDescriptions() ([]analysis.Description, string, error) {
	var ds []analysis.Description
	var version string
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, []string{string(descriptionsKey)}, false)
		if err != nil {
			return err
		}
		if b == nil {
			return errors.Wrap(ErrNotFound, "descriptions")
		}
		version = string(b.Get(versionKey))
		return json.Unmarshal(b.Get([]byte("parameters")), &ds)
	})
	return ds, version, err
}

// CheckDescriptions verifies that the stored descriptions match the
// parameters of an analysis.
func (s *Store) CheckDescriptions(a *analysis.Analysis) error {
	ds, _, err := s.ReadDescriptions()
	if err != nil {
		return err
	}
	cur := a.Descriptions()
	if len(ds) != len(cur) {
		return errors.Errorf("stored analysis has %d parameters, current has %d", len(ds), len(cur))
	}
	for i := range ds {
		if ds[i].Name != cur[i].Name {
			return errors.Errorf("stored parameter %d is %s, current is %s", i, ds[i].Name, cur[i].Name)
		}
	}
	return nil
}

// chainPath returns the bucket path of a chain.
func chainPath(stage string, chain int) []string {
	return []string{stage, fmt.Sprintf("chain #%d", chain)}
}

// stepPath returns the bucket path of a PMC step.
func stepPath(step int) []string {
	return []string{"pmc", fmt.Sprintf("step #%d", step)}
}

var finalPath = []string{"pmc", "final"}
