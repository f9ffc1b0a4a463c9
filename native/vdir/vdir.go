// Package vdir stores records as a directory tree, one subdirectory per
// collection and one file per record, the layout used by vdirsyncer,
// khal and khard. Deleted files are gone immediately, so reverse sync
// detects deletions from the id set.
package vdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/internal/record"
	"github.com/cyp0633/davsync/native"
)

const (
	metaDisplayName = "displayname"
	metaColor       = "color"
	metaService     = ".service"
)

type Store struct {
	root   string
	logger *slog.Logger
}

var _ native.Adapter = (*Store)(nil)

// New opens root, creating it if needed.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("vdir: creating root %s: %w", root, err)
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) SupportsDirty() bool { return false }

func (s *Store) dir(collectionID string) (string, error) {
	if !validName(collectionID) {
		return "", fmt.Errorf("vdir: invalid collection id %q", collectionID)
	}
	p := filepath.Join(s.root, collectionID)
	if st, err := os.Stat(p); err != nil || !st.IsDir() {
		return "", fmt.Errorf("collection %s: %w", collectionID, native.ErrNotFound)
	}
	return p, nil
}

func (s *Store) EnsureCollection(_ context.Context, spec native.CollectionSpec) (string, error) {
	id := spec.ID
	if id == "" || !validName(id) {
		id = s.findByName(spec)
	}
	if id == "" {
		id = uuid.NewString()
	}
	p := filepath.Join(s.root, id)
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("vdir: creating collection %s: %w", id, err)
	}
	meta := map[string]string{
		metaDisplayName: spec.DisplayName,
		metaColor:       spec.Color,
		metaService:     spec.Service,
	}
	for name, v := range meta {
		if v == "" {
			continue
		}
		if err := writeAtomic(filepath.Join(p, name), []byte(v+"\n")); err != nil {
			return "", err
		}
	}
	return id, nil
}

// findByName returns the collection directory whose metadata matches spec.
func (s *Store) findByName(spec native.CollectionSpec) string {
	if spec.DisplayName == "" {
		return ""
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() || !validName(e.Name()) {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if readMeta(dir, metaDisplayName) == spec.DisplayName && readMeta(dir, metaService) == spec.Service {
			return e.Name()
		}
	}
	return ""
}

func readMeta(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// ext returns the record file extension of a collection.
func (s *Store) ext(dir string) string {
	if readMeta(dir, metaService) == "carddav" {
		return ".vcf"
	}
	return ".ics"
}

func isRecordFile(name string) bool {
	return !strings.HasPrefix(name, ".") && (strings.HasSuffix(name, ".ics") || strings.HasSuffix(name, ".vcf"))
}

func (s *Store) read(path string) (*native.Record, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("record %s: %w", filepath.Base(path), native.ErrNotFound)
		}
		return nil, fmt.Errorf("vdir: reading %s: %w", path, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("vdir: stat %s: %w", path, err)
	}
	name := filepath.Base(path)
	format := record.ICalendar
	if strings.HasSuffix(name, ".vcf") {
		format = record.VCard
	}
	rec := &native.Record{
		ID:       strings.TrimSuffix(name, filepath.Ext(name)),
		Body:     body,
		Modified: st.ModTime(),
	}
	if uid, err := record.UID(format, body); err == nil {
		rec.UID = uid
	} else {
		s.logger.Warn("unreadable record file", slog.String("path", path), slog.String("error", err.Error()))
	}
	return rec, nil
}

func (s *Store) Get(_ context.Context, collectionID, id string) (*native.Record, error) {
	dir, err := s.dir(collectionID)
	if err != nil {
		return nil, err
	}
	if !validName(id) {
		return nil, fmt.Errorf("record %s: %w", id, native.ErrNotFound)
	}
	return s.read(filepath.Join(dir, id+s.ext(dir)))
}

func (s *Store) FindByUID(ctx context.Context, collectionID, uid string) (*native.Record, error) {
	recs, err := s.List(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.UID == uid && uid != "" {
			return r, nil
		}
	}
	return nil, fmt.Errorf("record with uid %s: %w", uid, native.ErrNotFound)
}

func (s *Store) List(ctx context.Context, collectionID string) ([]*native.Record, error) {
	return s.ListChangedSince(ctx, collectionID, time.Time{})
}

func (s *Store) ListChangedSince(_ context.Context, collectionID string, since time.Time) ([]*native.Record, error) {
	dir, err := s.dir(collectionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("vdir: listing %s: %w", dir, err)
	}
	var out []*native.Record
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		if !since.IsZero() {
			info, err := e.Info()
			if err != nil || !info.ModTime().After(since) {
				continue
			}
		}
		rec, err := s.read(filepath.Join(dir, e.Name()))
		if err != nil {
			if errors.Is(err, native.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Upsert(_ context.Context, collectionID string, rec *native.Record) (string, error) {
	dir, err := s.dir(collectionID)
	if err != nil {
		return "", err
	}
	id := rec.ID
	if id == "" {
		id = rec.UID
	}
	if !validName(id) {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(rec.UID)).String()
		if rec.UID == "" {
			id = uuid.NewString()
		}
	}
	if err := writeAtomic(filepath.Join(dir, id+s.ext(dir)), rec.Body); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Delete(_ context.Context, collectionID, id string) error {
	dir, err := s.dir(collectionID)
	if err != nil {
		return err
	}
	if !validName(id) {
		return nil
	}
	err = os.Remove(filepath.Join(dir, id+s.ext(dir)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("vdir: deleting %s: %w", id, err)
	}
	return nil
}

func (s *Store) ClearDirty(context.Context, string, string) error { return nil }

// Watch delivers filesystem events under root as changes until ctx is
// done. New collection directories are watched as they appear.
func (s *Store) Watch(ctx context.Context, fn func(guard.Change)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("vdir: creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.root); err != nil {
		return fmt.Errorf("vdir: watching %s: %w", s.root, err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("vdir: listing %s: %w", s.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(s.root, e.Name())); err != nil {
				return fmt.Errorf("vdir: watching %s: %w", e.Name(), err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if c, ok := s.convert(w, ev); ok {
				fn(c)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *Store) convert(w *fsnotify.Watcher, ev fsnotify.Event) (guard.Change, bool) {
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return guard.Change{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		if ev.Has(fsnotify.Create) {
			if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
				if err := w.Add(ev.Name); err != nil {
					s.logger.Warn("cannot watch new collection", slog.String("path", ev.Name))
				}
			}
		}
		if !validName(parts[0]) {
			return guard.Change{}, false
		}
		return guard.Change{CollectionID: parts[0]}, true
	case 2:
		if !isRecordFile(parts[1]) {
			return guard.Change{}, false
		}
		if ev.Op == fsnotify.Chmod {
			return guard.Change{}, false
		}
		return guard.Change{
			CollectionID: parts[0],
			RecordID:     strings.TrimSuffix(parts[1], filepath.Ext(parts[1])),
		}, true
	}
	return guard.Change{}, false
}

// validName accepts ids that are safe as a single path element.
func validName(s string) bool {
	if s == "" || s == "." || s == ".." || strings.HasPrefix(s, ".") {
		return false
	}
	return !strings.ContainsAny(s, `/\`+"\x00")
}

// writeAtomic writes through a temp file and rename so readers never see
// a partial record.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("vdir: creating temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("vdir: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("vdir: closing %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("vdir: renaming %s: %w", path, err)
	}
	return nil
}
