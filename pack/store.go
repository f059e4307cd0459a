// Package pack stores script sources in a single SQLite file alongside a
// canonical CBOR manifest, and exposes the pack to the bridge as a module
// resolver.
package pack

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("jsbind.pack")

// ErrEntryNotFound indicates the requested module is not in the pack.
var ErrEntryNotFound = errors.New("pack: entry not found")

// Entry is one stored module source.
type Entry struct {
	ID       string
	Source   []byte
	Modified time.Time
	Hash     string
}

// Store is a SQLite-backed script source pack.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens (creating if necessary) a pack store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening pack database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS modules (
		id TEXT PRIMARY KEY,
		source BLOB NOT NULL,
		mtime INTEGER NOT NULL,
		hash TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating modules table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS manifest (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating manifest table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores or replaces a module source.
func (s *Store) Put(id string, source []byte, modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO modules (id, source, mtime, hash) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source = excluded.source, mtime = excluded.mtime, hash = excluded.hash`,
		id, source, modified.Unix(), hashSource(source))
	if err != nil {
		return fmt.Errorf("storing module %q: %w", id, err)
	}
	return nil
}

// Get fetches a stored module source.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		source []byte
		mtime  int64
		hash   string
	)
	err := s.db.QueryRow("SELECT source, mtime, hash FROM modules WHERE id = ?", id).
		Scan(&source, &mtime, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("loading module %q: %w", id, err)
	}
	return Entry{ID: id, Source: source, Modified: time.Unix(mtime, 0), Hash: hash}, nil
}

// Has reports whether the pack contains id.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.db.QueryRow("SELECT 1 FROM modules WHERE id = ?", id).Scan(&one)
	return err == nil
}

// IDs returns every stored module id in sorted order.
func (s *Store) IDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query("SELECT id FROM modules ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of stored modules.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM modules").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting modules: %w", err)
	}
	return n, nil
}

// WriteManifest stores the manifest blob, replacing any previous one.
func (s *Store) WriteManifest(m *Manifest) error {
	data, err := MarshalManifest(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO manifest (id, data) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, data)
	if err != nil {
		return fmt.Errorf("storing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the stored manifest.
func (s *Store) ReadManifest() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data []byte
	err := s.db.QueryRow("SELECT data FROM manifest WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: manifest", ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	return UnmarshalManifest(data)
}

func hashSource(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// ---------------------------------------------------------------------------
// Pack building
// ---------------------------------------------------------------------------

// Build walks a source tree and packs every .js file (plus package.json
// manifests) into a new store at dbPath. Module ids are the slash-separated
// paths relative to root.
func Build(dbPath, root, entry string) (*Manifest, error) {
	store, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	manifest := &Manifest{Version: ManifestVersion, Entry: entry, CreatedAt: time.Now().Unix()}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".js") && name != "package.json" {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)

		source, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", id, err)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := store.Put(id, source, info.ModTime()); err != nil {
			return err
		}
		manifest.Modules = append(manifest.Modules, ManifestModule{
			ID:       id,
			Hash:     hashSource(source),
			Size:     int64(len(source)),
			Modified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("building pack from %s: %w", root, err)
	}

	if err := store.WriteManifest(manifest); err != nil {
		return nil, err
	}
	log.Infof("packed %d modules from %s into %s", len(manifest.Modules), root, dbPath)
	return manifest, nil
}
