package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestFolderIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFolderStore(dir)
	assert.NilError(t, err)
	defer s.Close()
	ctx := context.Background()

	// What a shared folder accumulates: an in-flight temporary from a
	// concurrent writer and an unrelated file.
	assert.NilError(t, os.WriteFile(filepath.Join(dir, tmpName("cli,srv,1,0.bin")), []byte("partial"), 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))

	uids, err := s.List(ctx, Addressed("srv"))
	assert.NilError(t, err)
	assert.Equal(t, len(uids), 0)

	rids, err := s.Servers(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(rids), 0)
}

func TestFolderSendLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFolderStore(dir)
	assert.NilError(t, err)
	defer s.Close()

	uid, err := s.Send(context.Background(), Ref{Sender: "cli", Recipient: "srv", SID: 1, Seq: 0}, []byte("payload"))
	assert.NilError(t, err)

	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0].Name(), uid)
}

func TestFolderBroadcastExpiry(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFolderStore(dir, WithFolderTTL(10*time.Millisecond))
	assert.NilError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Send(ctx, Ref{Sender: "srv", Recipient: AnyPeer, SID: 0, Seq: 0}, []byte("hello everyone"))
	assert.NilError(t, err)
	_, err = s.Send(ctx, Ref{Sender: "cli", Recipient: "srv", SID: 1, Seq: 0}, []byte("direct"))
	assert.NilError(t, err)

	time.Sleep(30 * time.Millisecond)

	uids, err := s.List(ctx, Addressed(AnyPeer))
	assert.NilError(t, err)
	assert.Equal(t, len(uids), 0)

	// Only broadcasts age out.
	uids, err = s.List(ctx, Addressed("srv"))
	assert.NilError(t, err)
	assert.Equal(t, len(uids), 1)
}

func TestFolderBadUIDFetch(t *testing.T) {
	s, err := NewFolderStore(t.TempDir())
	assert.NilError(t, err)
	defer s.Close()

	_, _, err = s.Fetch(context.Background(), "notes.txt")
	assert.ErrorContains(t, err, "notes.txt")

	_, _, err = s.Fetch(context.Background(), "cli,srv,1,0.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFolderWaitChangeWakes(t *testing.T) {
	s, err := NewFolderStore(t.TempDir())
	assert.NilError(t, err)
	defer s.Close()

	woke := make(chan struct{})
	go func() {
		s.WaitChange(context.Background(), 10*time.Second)
		close(woke)
	}()

	// Let the waiter park before producing the event.
	time.Sleep(50 * time.Millisecond)
	_, err = s.Send(context.Background(), Ref{Sender: "cli", Recipient: "srv", SID: 1, Seq: 0}, []byte("wake up"))
	assert.NilError(t, err)

	select {
	case <-woke:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter still parked after a blob landed")
	}
}
