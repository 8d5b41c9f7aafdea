package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/atomicfile"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/pkg/errors"
)

const (
	unitsDir      = "units"
	quarantineDir = "quarantine"
	desiredFile   = "desired.json"
	recordSuffix  = ".json"
	fileMode      = 0600
	// maxRecordFile leaves room within NAME_MAX for atomicfile's temporary
	// name around a record file.
	maxRecordFile = 200
	dirMode       = 0700
)

// Store persists AppliedRecords, one file per unit, and the last DesiredState
// the engine began processing.
type Store struct {
	dir string
	log logging.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	desiredMu sync.Mutex
	desired   *model.DesiredState
}

// Open prepares the state directory and reads the persisted DesiredState, if
// any. A corrupt snapshot is quarantined and the store starts empty.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:   dir,
		log:   logging.New("store").WithField("dir", dir),
		locks: make(map[string]*sync.Mutex),
	}
	for _, d := range []string{dir, s.path(unitsDir), s.path(quarantineDir)} {
		if err := os.MkdirAll(d, dirMode); err != nil {
			return nil, &Error{Op: "create", Path: d, Err: err}
		}
	}
	desired, err := s.readDesired()
	if err != nil {
		return nil, err
	}
	s.desired = desired
	return s, nil
}

func (s *Store) path(elem ...string) string {
	return filepath.Join(append([]string{s.dir}, elem...)...)
}

// recordFile names the record of a unit. Escaping can grow a name past what
// the filesystem allows, those records are named by a digest of the unit name
// instead. "=" never appears in an escaped name.
func recordFile(name string) string {
	base := unit.UnitNameEscape(name)
	if len(base)+len(recordSuffix) > maxRecordFile {
		sum := sha256.Sum256([]byte(name))
		base = "=" + hex.EncodeToString(sum[:])
	}
	return base + recordSuffix
}

func (s *Store) lock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Load returns every readable record keyed by unit name. Records that cannot
// be parsed are quarantined and left out, their units are then treated as
// never applied.
func (s *Store) Load() (map[string]model.AppliedRecord, error) {
	dir := s.path(unitsDir)
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}

	records := make(map[string]model.AppliedRecord, len(entries))
	for _, entry := range entries {
		base := entry.Name()
		if entry.IsDir() || strings.HasPrefix(base, ".") || !strings.HasSuffix(base, recordSuffix) {
			continue
		}
		path := filepath.Join(dir, base)
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, &Error{Op: "read", Path: path, Err: err}
		}
		rec, err := decodeRecord(base, data)
		if err != nil {
			if qerr := s.quarantine(path, err); qerr != nil {
				return nil, qerr
			}
			continue
		}
		records[rec.Name] = rec
	}
	return records, nil
}

func decodeRecord(base string, data []byte) (model.AppliedRecord, error) {
	var rec model.AppliedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, &CorruptError{Path: base, Err: err}
	}
	if rec.Name == "" || recordFile(rec.Name) != base {
		return rec, &CorruptError{Path: base, Err: errors.Errorf("record names unit %q", rec.Name)}
	}
	return rec, nil
}

// Save writes the record through to disk before returning.
func (s *Store) Save(rec model.AppliedRecord) error {
	if rec.Name == "" {
		return errors.New("record without unit name")
	}
	l := s.lock(rec.Name)
	l.Lock()
	defer l.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return errors.Wrap(err, "unable to encode record")
	}
	path := s.path(unitsDir, recordFile(rec.Name))
	if err := atomicfile.WriteFile(path, data, fileMode); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Delete forgets the unit's record.
func (s *Store) Delete(name string) error {
	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	path := s.path(unitsDir, recordFile(name))
	if err := atomicfile.Remove(path); err != nil {
		return &Error{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// SaveDesired persists ds as the last begun DesiredState.
func (s *Store) SaveDesired(ds *model.DesiredState) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return errors.Wrap(err, "unable to encode desired state")
	}
	s.desiredMu.Lock()
	defer s.desiredMu.Unlock()

	path := s.path(desiredFile)
	if err := atomicfile.WriteFile(path, data, fileMode); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	cp := *ds
	s.desired = &cp
	return nil
}

// LoadDesired returns the last begun DesiredState, nil when there is none.
func (s *Store) LoadDesired() (*model.DesiredState, error) {
	s.desiredMu.Lock()
	defer s.desiredMu.Unlock()
	if s.desired == nil {
		return nil, nil
	}
	cp := *s.desired
	return &cp, nil
}

// LastVersion is the version of the last begun DesiredState, 0 when none.
func (s *Store) LastVersion() uint64 {
	s.desiredMu.Lock()
	defer s.desiredMu.Unlock()
	if s.desired == nil {
		return 0
	}
	return s.desired.Version
}

func (s *Store) readDesired() (*model.DesiredState, error) {
	path := s.path(desiredFile)
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "read", Path: path, Err: err}
	}
	var ds model.DesiredState
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, s.quarantine(path, &CorruptError{Path: desiredFile, Err: err})
	}
	return &ds, nil
}

func (s *Store) quarantine(path string, cause error) error {
	dest := s.path(quarantineDir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
	s.log.WithError(cause).WithField("quarantined", dest).Warn("quarantining corrupt state file")
	if err := os.Rename(path, dest); err != nil {
		return &Error{Op: "quarantine", Path: path, Err: err}
	}
	if err := atomicfile.SyncDir(filepath.Dir(path)); err != nil {
		return &Error{Op: "quarantine", Path: path, Err: err}
	}
	return nil
}

// Quarantined lists the files moved aside because they were corrupt.
func (s *Store) Quarantined() ([]string, error) {
	dir := s.path(quarantineDir)
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
