package cred

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// File is a JSON credential store mapping host to [login, shaded password].
// The shading (double deflate then base64) matches the historical file
// format, so existing credential files keep working. It is shading, not
// encryption; the file still needs 0600.
type File struct {
	Path      string
	Ask       bool // fall back to the terminal on misses and rejections
	Writeback bool // persist what the terminal fallback collects

	mu     sync.Mutex
	hosts  map[string][]string
	loaded bool
	prompt Prompt
}

// NewFile opens (or lazily creates) the credential store at path.
func NewFile(path string, ask, writeback bool) *File {
	return &File{Path: path, Ask: ask, Writeback: writeback}
}

func (f *File) Lookup(host string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return "", "", err
	}
	if entry, ok := f.hosts[host]; ok && len(entry) == 2 && entry[1] != "" {
		pass, err := deshade(entry[1])
		if err != nil {
			return "", "", errors.Wrapf(err, "corrupt entry for %s in %s", host, f.Path)
		}
		return entry[0], pass, nil
	}
	if !f.Ask {
		return "", "", errors.Errorf("no credentials for %s in %s", host, f.Path)
	}
	user, pass, err := f.prompt.ask(host)
	if err != nil {
		return "", "", err
	}
	if err := f.store(host, user, pass); err != nil {
		return "", "", err
	}
	return user, pass, nil
}

func (f *File) Reject(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return
	}
	delete(f.hosts, host)
	if f.Writeback {
		_ = f.save()
	}
}

// load reads the store once. A missing file is an empty store.
func (f *File) load() error {
	if f.loaded {
		return nil
	}
	f.hosts = make(map[string][]string)
	raw, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		f.loaded = true
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read credential file")
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &f.hosts); err != nil {
			return errors.Wrapf(err, "parse credential file %s", f.Path)
		}
	}
	f.loaded = true
	return nil
}

func (f *File) store(host, user, pass string) error {
	shaded, err := shade(pass)
	if err != nil {
		return err
	}
	f.hosts[host] = []string{user, shaded}
	if f.Writeback {
		return f.save()
	}
	return nil
}

func (f *File) save() error {
	raw, err := json.Marshal(f.hosts)
	if err != nil {
		return errors.Wrap(err, "encode credential file")
	}
	return errors.Wrap(os.WriteFile(f.Path, raw, 0o600), "write credential file")
}

// shade renders a password in the stored format: deflate twice, base64.
func shade(password string) (string, error) {
	inner, err := deflate([]byte(password))
	if err != nil {
		return "", err
	}
	outer, err := deflate(inner)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(outer), nil
}

func deshade(shaded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(shaded)
	if err != nil {
		return "", errors.Wrap(err, "decode shaded password")
	}
	mid, err := inflate(raw)
	if err != nil {
		return "", err
	}
	out, err := inflate(mid)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "inflate")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	return out, errors.Wrap(err, "inflate")
}
