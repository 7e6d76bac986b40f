package cred

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestShadeRoundTrip(t *testing.T) {
	for _, pw := range []string{"", "hunter2", "p@ss with spaces", "unicode-äöü"} {
		shaded, err := shade(pw)
		assert.NilError(t, err)
		back, err := deshade(shaded)
		assert.NilError(t, err)
		assert.Equal(t, back, pw)
	}
}

func TestFilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	f := NewFile(path, false, true)
	f.mu.Lock()
	assert.NilError(t, f.load())
	assert.NilError(t, f.store("example.com", "alice", "s3cret"))
	f.mu.Unlock()

	user, pass, err := f.Lookup("example.com")
	assert.NilError(t, err)
	assert.Equal(t, user, "alice")
	assert.Equal(t, pass, "s3cret")

	// a fresh manager reads the same file back
	g := NewFile(path, false, false)
	user, pass, err = g.Lookup("example.com")
	assert.NilError(t, err)
	assert.Equal(t, user, "alice")
	assert.Equal(t, pass, "s3cret")

	g.Reject("example.com")
	_, _, err = g.Lookup("example.com")
	assert.ErrorContains(t, err, "no credentials")

	// the rejection above had writeback off, so the file kept the entry
	h := NewFile(path, false, false)
	_, _, err = h.Lookup("example.com")
	assert.NilError(t, err)
}

func TestFileMissingEntry(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "creds.json"), false, false)
	_, _, err := f.Lookup("nowhere.example")
	assert.ErrorContains(t, err, "no credentials")
}

func TestChainFallsThrough(t *testing.T) {
	c := Chain{
		NewFile(filepath.Join(t.TempDir(), "empty.json"), false, false),
		Static{User: "u", Password: "p"},
	}
	user, pass, err := c.Lookup("anything")
	assert.NilError(t, err)
	assert.Equal(t, user, "u")
	assert.Equal(t, pass, "p")
}
