// jscomplete/project_index.go
// Persistent index of built projects (bbolt + msgpack).
package jscomplete

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var indexBucketName = []byte("ProjectIndex")

// IndexEntry is the persisted record of a project build. Entries written with
// another schema version are ignored and removed on read.
type IndexEntry struct {
	SchemaVersion uint16            `msgpack:"schema"`
	Project       ProjectID         `msgpack:"project"`
	Root          string            `msgpack:"root"`
	ManifestHash  string            `msgpack:"manifest_hash"`
	Files         []FileID          `msgpack:"files"`
	FileHashes    map[FileID]string `msgpack:"file_hashes"`
	References    []ProjectID       `msgpack:"references"`
	Symbols       map[string]FileID `msgpack:"symbols"`
	BuiltAt       time.Time         `msgpack:"built_at"`
}

// ProjectIndex stores IndexEntries keyed by project.
type ProjectIndex struct {
	db     *bbolt.DB
	path   string
	logger *slog.Logger
}

// DefaultIndexPath returns the index location under the user cache directory.
func DefaultIndexPath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("%w: cannot determine user cache dir: %w", ErrCache, err)
	}
	return filepath.Join(cacheDir, configDirName, "index", fmt.Sprintf("v%d", indexSchemaVersion), "projects.db"), nil
}

// OpenProjectIndex opens (creating if needed) the index database at path.
func OpenProjectIndex(path string, logger *slog.Logger) (*ProjectIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	indexLogger := logger.With("component", "ProjectIndex", "path", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating index directory: %w", ErrCache, err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening index: %w", ErrCache, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: creating bucket %s: %w", ErrCacheWrite, indexBucketName, err)
	}
	indexLogger.Info("Using project index", "schema_version", indexSchemaVersion)
	return &ProjectIndex{db: db, path: path, logger: indexLogger}, nil
}

// Put stores entry under its project, stamping the current schema version.
func (x *ProjectIndex) Put(entry IndexEntry) error {
	entry.SchemaVersion = indexSchemaVersion
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCacheEncode, entry.Project, err)
	}
	err = x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucketName)
		if b == nil {
			return fmt.Errorf("bucket %s disappeared", indexBucketName)
		}
		return b.Put([]byte(entry.Project), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCacheWrite, entry.Project, err)
	}
	x.logger.Debug("Stored index entry", "project", entry.Project, "files", len(entry.Files), "bytes", len(data))
	return nil
}

// Get returns the entry of p. found is false when there is no usable entry.
func (x *ProjectIndex) Get(p ProjectID) (entry IndexEntry, found bool, err error) {
	var raw []byte
	err = x.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucketName)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(p)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return IndexEntry{}, false, fmt.Errorf("%w: %s: %w", ErrCacheRead, p, err)
	}
	if raw == nil {
		return IndexEntry{}, false, nil
	}
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		x.logger.Warn("Index entry failed to decode, deleting", "project", p, "error", err)
		_ = x.Delete(p)
		return IndexEntry{}, false, fmt.Errorf("%w: %s: %w", ErrCacheDecode, p, err)
	}
	if entry.SchemaVersion != indexSchemaVersion {
		x.logger.Warn("Index entry has old schema version, deleting", "project", p, "cached_version", entry.SchemaVersion, "expected_version", indexSchemaVersion)
		_ = x.Delete(p)
		return IndexEntry{}, false, nil
	}
	return entry, true, nil
}

// Delete removes the entry of p. Deleting a missing entry is not an error.
func (x *ProjectIndex) Delete(p ProjectID) error {
	err := x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucketName)
		if b == nil || b.Get([]byte(p)) == nil {
			return nil
		}
		return b.Delete([]byte(p))
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete entry %s: %w", ErrCacheWrite, p, err)
	}
	return nil
}

// Projects lists the indexed projects in key order.
func (x *ProjectIndex) Projects() ([]ProjectID, error) {
	var out []ProjectID
	err := x.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, ProjectID(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheRead, err)
	}
	return out, nil
}

// Close closes the database.
func (x *ProjectIndex) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	if err := x.db.Close(); err != nil {
		return fmt.Errorf("%w: closing index: %w", ErrCache, err)
	}
	return nil
}

// errIndexStale marks an index entry that no longer matches the files on disk.
var errIndexStale = errors.New("index entry is stale")
