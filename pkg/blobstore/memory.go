package blobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
)

// MemStore keeps blobs in process memory. It backs the unit tests and lets
// two peers in one process talk without touching a real medium. Mutations
// wake waiters immediately, so polling against it is effectively free.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string]*memBlob
	capas map[string][]string
	wake  chan struct{}
	ttl   time.Duration
}

type memBlob struct {
	ref     Ref
	payload []byte
	created time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs: make(map[string]*memBlob),
		capas: make(map[string][]string),
		wake:  make(chan struct{}),
		ttl:   DefaultBroadcastTTL,
	}
}

// SetBroadcastTTL overrides the broadcast reap age.
func (m *MemStore) SetBroadcastTTL(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl = d
}

// bump wakes every waiter. Caller holds mu.
func (m *MemStore) bump() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *MemStore) Send(_ context.Context, ref Ref, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, b := range m.blobs {
		if b.ref == ref {
			delete(m.blobs, uid)
		}
	}
	uid := xid.New().String()
	m.blobs[uid] = &memBlob{
		ref:     ref,
		payload: append([]byte(nil), payload...),
		created: time.Now(),
	}
	m.bump()
	return uid, nil
}

func (m *MemStore) List(_ context.Context, f Filter) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uids []string
	for uid, b := range m.blobs {
		if b.ref.Recipient == AnyPeer && m.ttl > 0 && time.Since(b.created) > m.ttl {
			delete(m.blobs, uid)
			continue
		}
		if f.Match(b.ref) {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool {
		return m.blobs[uids[i]].created.Before(m.blobs[uids[j]].created)
	})
	return uids, nil
}

func (m *MemStore) Fetch(_ context.Context, uid string) (Ref, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[uid]
	if !ok {
		return Ref{}, nil, ErrNotFound
	}
	return b.ref, append([]byte(nil), b.payload...), nil
}

func (m *MemStore) Delete(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, uid)
	return nil
}

func (m *MemStore) PublishCapabilities(_ context.Context, rid string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capas[rid] = append([]string(nil), names...)
	m.bump()
	return nil
}

func (m *MemStore) RemoveCapabilities(_ context.Context, rid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.capas, rid)
	m.bump()
	return nil
}

func (m *MemStore) Servers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rids := make([]string, 0, len(m.capas))
	for rid := range m.capas {
		rids = append(rids, rid)
	}
	sort.Strings(rids)
	return rids, nil
}

func (m *MemStore) Capabilities(_ context.Context, rid string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names, ok := m.capas[rid]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), names...), nil
}

func (m *MemStore) Purge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, b := range m.blobs {
		if b.ref.Recipient == id {
			delete(m.blobs, uid)
		}
	}
	return nil
}

func (m *MemStore) Close() error { return nil }

// WaitChange implements ChangeWaiter: it returns as soon as any mutation
// lands, making in-process polling loops tick at memory speed.
func (m *MemStore) WaitChange(ctx context.Context, max time.Duration) {
	m.mu.Lock()
	ch := m.wake
	m.mu.Unlock()
	t := time.NewTimer(max)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-ch:
	}
}
