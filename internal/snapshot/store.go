// Package snapshot persists stage stores as JSON snapshots written by atomic
// replace, with timestamped backups and a derived CSV projection.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
)

// ErrCorrupt is returned when a snapshot exists but cannot be decoded.
var ErrCorrupt = eris.New("snapshot: corrupt store")

// Store is the snapshot file of one stage. A Store is owned by the stage
// runner writing it; readers only ever see complete snapshots.
type Store struct {
	dir       string
	backupDir string
	name      model.StageName
	now       func() time.Time

	mu sync.Mutex
}

// New returns the store for a stage under dir. Backups go to backupDir.
func New(dir, backupDir string, name model.StageName) *Store {
	return &Store{
		dir:       dir,
		backupDir: backupDir,
		name:      name,
		now:       time.Now,
	}
}

// Name returns the stage that owns the store.
func (s *Store) Name() model.StageName { return s.name }

// Path returns the JSON snapshot path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, string(s.name)+".json")
}

// CSVPath returns the CSV projection path.
func (s *Store) CSVPath() string {
	return filepath.Join(s.dir, string(s.name)+".csv")
}

// Exists reports whether a snapshot has been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load reads the snapshot. A missing snapshot is an empty store.
func (s *Store) Load() ([]model.Record, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read %s", s.Path())
	}

	var records []model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrapf(ErrCorrupt, "%s: %v", s.Path(), err)
	}
	return records, nil
}

// Save atomically replaces the snapshot and regenerates the CSV projection.
func (s *Store) Save(records []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if records == nil {
		records = []model.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return eris.Wrap(err, "snapshot: marshal")
	}
	data = append(data, '\n')

	if err := writeAtomic(s.Path(), func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	}); err != nil {
		return err
	}

	return writeAtomic(s.CSVPath(), func(w io.Writer) error {
		return WriteCSV(w, records)
	})
}

// Backup copies the current snapshot into the backups area and returns the
// backup path. It returns "" when there is nothing to back up.
func (s *Store) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := os.Open(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "snapshot: open for backup")
	}
	defer src.Close() //nolint:errcheck

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", eris.Wrap(err, "snapshot: create backup dir")
	}

	base := fmt.Sprintf("%s_backup_%s", s.name, s.now().UTC().Format("20060102_150405"))
	dst := filepath.Join(s.backupDir, base+".json")
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dst = filepath.Join(s.backupDir, fmt.Sprintf("%s_%d.json", base, i))
	}

	if err := writeAtomic(dst, func(w io.Writer) error {
		_, cerr := io.Copy(w, src)
		return cerr
	}); err != nil {
		return "", err
	}
	return dst, nil
}

// Rewrite backs up the current snapshot and then replaces it. It is the only
// way destructive passes (dedup, final filter, reset) modify a store.
func (s *Store) Rewrite(records []model.Record) (string, error) {
	backup, err := s.Backup()
	if err != nil {
		return "", err
	}
	if err := s.Save(records); err != nil {
		return backup, err
	}
	return backup, nil
}

// writeAtomic writes to a temp file in the target directory and renames it
// over path, so a concurrent reader never observes a partial file.
func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "snapshot: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "snapshot: create temp for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrapf(err, "snapshot: write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrapf(err, "snapshot: sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrapf(err, "snapshot: close %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return eris.Wrapf(err, "snapshot: rename %s", path)
	}
	return nil
}
