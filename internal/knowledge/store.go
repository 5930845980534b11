// Package knowledge persists per-target analysis annotations (renames and
// notes) as JSON sidecar files and replays them into fresh sessions.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Category selects the map a value is stored in.
type Category string

const (
	Renames Category = "renames"
	Notes   Category = "notes"
)

// ErrUnknownCategory is returned by Save for anything but Renames or Notes.
var ErrUnknownCategory = errors.New("unknown knowledge category")

const maxKeyLen = 200

var replaySafe = regexp.MustCompile(`^[A-Za-z0-9_.:$+\-]+$`)

// Record is the on-disk shape of one target's knowledge.
type Record struct {
	Renames map[string]string `json:"renames"`
	Notes   map[string]string `json:"notes"`
}

func emptyRecord() *Record {
	return &Record{Renames: map[string]string{}, Notes: map[string]string{}}
}

func (r *Record) clone() Record {
	out := Record{Renames: make(map[string]string, len(r.Renames)), Notes: make(map[string]string, len(r.Notes))}
	for k, v := range r.Renames {
		out.Renames[k] = v
	}
	for k, v := range r.Notes {
		out.Notes[k] = v
	}
	return out
}

// Loaded is what a fresh session needs from the store.
type Loaded struct {
	ReplayCommands []string
	Summary        string
	Record         Record
	Found          bool
}

// Store reads and writes knowledge files under one directory.
type Store struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	cache   map[string]*Record
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open creates dir if needed and starts watching it. Records are cached only
// while the watcher runs, so external edits are never masked.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge dir: %w", err)
	}
	s := &Store{dir: dir, logger: logger, done: make(chan struct{})}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("knowledge watcher unavailable, caching disabled", zap.Error(err))
		return s, nil
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		logger.Warn("knowledge watcher unavailable, caching disabled", zap.Error(err))
		return s, nil
	}
	s.watcher = w
	s.cache = make(map[string]*Record)
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// Close stops the watcher.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Store) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(ev.Name)
			if !strings.HasSuffix(base, ".json") {
				continue
			}
			s.mu.Lock()
			delete(s.cache, strings.TrimSuffix(base, ".json"))
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("knowledge watcher", zap.Error(err))
			s.mu.Lock()
			s.cache = make(map[string]*Record)
			s.mu.Unlock()
		}
	}
}

// KeyFor maps a target path to a stable, filesystem-safe key. Distinct
// paths produce distinct keys.
func KeyFor(path string) string {
	key := url.PathEscape(filepath.Clean(path))
	if len(key) <= maxKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return key[:maxKeyLen-33] + "-" + hex.EncodeToString(sum[:16])
}

func (s *Store) file(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Save sets one entry and rewrites the whole file.
func (s *Store) Save(path string, category Category, address, value string) error {
	if category != Renames && category != Notes {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	key := KeyFor(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.readLocked(key)
	if err != nil {
		return err
	}
	next := rec.clone()
	if category == Renames {
		next.Renames[address] = value
	} else {
		next.Notes[address] = value
	}
	if err := s.writeLocked(key, &next); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache[key] = &next
	}
	s.logger.Debug("knowledge saved",
		zap.String("target", path),
		zap.String("category", string(category)),
		zap.String("address", address))
	return nil
}

// Record returns a copy of the stored record.
func (s *Store) Record(path string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found, err := s.readLocked(KeyFor(path))
	if err != nil {
		return Record{}, false, err
	}
	return rec.clone(), found, nil
}

// Load builds replay commands and a summary for path.
func (s *Store) Load(path string) (Loaded, error) {
	rec, found, err := s.Record(path)
	if err != nil {
		return Loaded{}, err
	}
	if !found || (len(rec.Renames) == 0 && len(rec.Notes) == 0) {
		return Loaded{
			Summary: fmt.Sprintf("No knowledge history for %s.", path),
			Record:  rec,
			Found:   found,
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge for %s: %d renames, %d notes", path, len(rec.Renames), len(rec.Notes))

	var replay []string
	if len(rec.Renames) > 0 {
		b.WriteString("\nRenames:")
		for _, addr := range sortedKeys(rec.Renames) {
			name := rec.Renames[addr]
			fmt.Fprintf(&b, "\n  %s -> %s", addr, name)
			if !replaySafe.MatchString(addr) || !replaySafe.MatchString(name) {
				s.logger.Warn("skipping unsafe rename", zap.String("address", addr), zap.String("name", name))
				continue
			}
			replay = append(replay, fmt.Sprintf("afn %s @ %s", name, addr))
		}
	}
	if len(rec.Notes) > 0 {
		b.WriteString("\nNotes:")
		for _, addr := range sortedKeys(rec.Notes) {
			fmt.Fprintf(&b, "\n  %s: %s", addr, rec.Notes[addr])
		}
	}
	return Loaded{ReplayCommands: replay, Summary: b.String(), Record: rec, Found: true}, nil
}

func (s *Store) readLocked(key string) (*Record, bool, error) {
	if s.cache != nil {
		if rec, ok := s.cache[key]; ok {
			return rec, true, nil
		}
	}
	data, err := os.ReadFile(s.file(key))
	if errors.Is(err, fs.ErrNotExist) {
		return emptyRecord(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read knowledge: %w", err)
	}
	rec := emptyRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, false, fmt.Errorf("decode knowledge %s: %w", s.file(key), err)
	}
	if rec.Renames == nil {
		rec.Renames = map[string]string{}
	}
	if rec.Notes == nil {
		rec.Notes = map[string]string{}
	}
	if s.cache != nil {
		s.cache[key] = rec
	}
	return rec, true, nil
}

// writeLocked writes the whole record to a temp file and renames it over
// the old one so readers never see a partial file.
func (s *Store) writeLocked(key string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("create temp knowledge file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write knowledge: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync knowledge: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.file(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace knowledge file: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
