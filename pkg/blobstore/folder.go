package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FolderStore is the shared-directory binding. Blobs are files named
// "{sender},{recipient},{sid},{seq}.bin"; writes land under a dotted
// temporary name and are renamed into place, so a concurrent lister never
// sees a partial blob.
type FolderStore struct {
	dir     string
	ttl     time.Duration
	poll    time.Duration
	log     logrus.FieldLogger
	watcher *fsnotify.Watcher
}

// FolderOption adjusts a FolderStore.
type FolderOption func(*FolderStore)

// WithFolderTTL sets the age after which broadcast blobs are reaped.
func WithFolderTTL(d time.Duration) FolderOption {
	return func(s *FolderStore) { s.ttl = d }
}

// WithFolderPoll sets the minimum pause between directory scans.
func WithFolderPoll(d time.Duration) FolderOption {
	return func(s *FolderStore) { s.poll = d }
}

// WithFolderLogger routes the binding's log output.
func WithFolderLogger(log logrus.FieldLogger) FolderOption {
	return func(s *FolderStore) { s.log = log }
}

// NewFolderStore creates dir if needed and starts a change watcher on it.
// The watcher only shortens poll latency; when it cannot be set up the
// store works poll-only.
func NewFolderStore(dir string, opts ...FolderOption) (*FolderStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create blob dir")
	}
	s := &FolderStore{dir: dir, ttl: DefaultBroadcastTTL, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := w.Add(dir); addErr != nil {
			_ = w.Close()
			w = nil
		}
	} else {
		w = nil
	}
	s.watcher = w
	if w == nil {
		s.log.WithField("dir", dir).Warn("change notification unavailable, polling only")
	}
	return s, nil
}

// Dir returns the directory backing the store.
func (s *FolderStore) Dir() string { return s.dir }

// PollFloor implements PollHinter. Directory scans are cheap and the watcher
// wakes waiters early, so the floor is zero unless configured.
func (s *FolderStore) PollFloor() time.Duration { return s.poll }

func (s *FolderStore) Send(_ context.Context, ref Ref, payload []byte) (string, error) {
	name := encodeName(ref)
	return name, s.writeAtomic(name, payload)
}

func (s *FolderStore) writeAtomic(name string, payload []byte) error {
	tmp := filepath.Join(s.dir, tmpName(name))
	final := filepath.Join(s.dir, name)
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write blob")
	}
	// rename over an existing file fails on some platforms
	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(final)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "publish blob")
	}
	return nil
}

func (s *FolderStore) List(_ context.Context, f Filter) ([]string, error) {
	if ref, ok := f.exactRef(); ok {
		name := encodeName(ref)
		if _, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			return []string{name}, nil
		}
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list blob dir")
	}
	var uids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ref, ok := parseName(e.Name())
		if !ok {
			continue
		}
		if ref.Recipient == AnyPeer && s.expired(e) {
			s.log.WithField("uid", e.Name()).Debug("reaping expired broadcast blob")
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
			continue
		}
		if f.Match(ref) {
			uids = append(uids, e.Name())
		}
	}
	sort.Strings(uids)
	return uids, nil
}

func (s *FolderStore) expired(e os.DirEntry) bool {
	if s.ttl <= 0 {
		return false
	}
	info, err := e.Info()
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > s.ttl
}

func (s *FolderStore) Fetch(_ context.Context, uid string) (Ref, []byte, error) {
	ref, ok := parseName(uid)
	if !ok {
		return Ref{}, nil, errors.Errorf("bad blob name %q", uid)
	}
	payload, err := os.ReadFile(filepath.Join(s.dir, uid))
	if os.IsNotExist(err) {
		return Ref{}, nil, ErrNotFound
	}
	if err != nil {
		return Ref{}, nil, errors.Wrap(err, "read blob")
	}
	return ref, payload, nil
}

func (s *FolderStore) Delete(_ context.Context, uid string) error {
	err := os.Remove(filepath.Join(s.dir, uid))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}

func (s *FolderStore) PublishCapabilities(_ context.Context, rid string, names []string) error {
	return s.writeAtomic(capaName(rid), joinLines(names))
}

func (s *FolderStore) RemoveCapabilities(_ context.Context, rid string) error {
	err := os.Remove(filepath.Join(s.dir, capaName(rid)))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove capability record")
	}
	return nil
}

func (s *FolderStore) Servers(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list blob dir")
	}
	var rids []string
	for _, e := range entries {
		if rid, ok := parseCapaName(e.Name()); ok {
			rids = append(rids, rid)
		}
	}
	sort.Strings(rids)
	return rids, nil
}

func (s *FolderStore) Capabilities(_ context.Context, rid string) ([]string, error) {
	body, err := os.ReadFile(filepath.Join(s.dir, capaName(rid)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read capability record")
	}
	return splitLines(string(body)), nil
}

func (s *FolderStore) Purge(_ context.Context, id string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "list blob dir")
	}
	for _, e := range entries {
		ref, ok := parseName(e.Name())
		if !ok || ref.Recipient != id {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, e.Name()))
	}
	return nil
}

func (s *FolderStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// WaitChange implements ChangeWaiter using the directory watcher. Any event
// wakes the caller; the max interval remains the correctness backstop since
// concurrent waiters can steal each other's events.
func (s *FolderStore) WaitChange(ctx context.Context, max time.Duration) {
	if s.watcher == nil {
		Sleep(ctx, max)
		return
	}
	t := time.NewTimer(max)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-s.watcher.Events:
	case err, ok := <-s.watcher.Errors:
		if ok && err != nil {
			s.log.WithError(err).Debug("folder watcher error")
		}
	}
}
