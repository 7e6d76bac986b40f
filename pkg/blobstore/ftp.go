package blobstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/cred"
)

// FTPConfig describes the FTP directory shared by the peers.
type FTPConfig struct {
	Addr         string // host:port of the control connection, port 21 assumed
	Dir          string // directory holding the blobs, created when absent
	ExplicitTLS  bool   // AUTH TLS with protected data connections
	Creds        cred.Manager
	DialTimeout  time.Duration // default 10s
	RestartAfter time.Duration // connection renewal age, default 1h
	TTL          time.Duration // broadcast reap age, default 24h
	Poll         time.Duration // minimum pause between polls, default 1s
	Log          logrus.FieldLogger
}

// FTPStore is the FTP-directory binding. It shares one control connection
// and serializes every call on it; the connection is replaced once it ages
// past RestartAfter or stops answering NOOP. Uploads go to a dotted
// temporary name and are renamed into place.
type FTPStore struct {
	cfg  FTPConfig
	host string

	mu          sync.Mutex
	conn        *ftp.ServerConn
	connectedAt time.Time
}

// NewFTPStore connects, logs in, and positions itself inside cfg.Dir.
func NewFTPStore(cfg FTPConfig) (*FTPStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RestartAfter <= 0 {
		cfg.RestartAfter = DefaultRestartAfter
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultBroadcastTTL
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
		cfg.Addr = net.JoinHostPort(host, "21")
	}
	s := &FTPStore{cfg: cfg, host: host}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.acquire(); err != nil {
		return nil, err
	}
	return s, nil
}

// acquire returns a live control connection. Caller holds mu.
func (s *FTPStore) acquire() (*ftp.ServerConn, error) {
	if s.conn != nil && time.Since(s.connectedAt) > s.cfg.RestartAfter {
		s.cfg.Log.Info("ftp connection past renewal age, reconnecting")
		_ = s.conn.Quit()
		s.conn = nil
	}
	if s.conn != nil {
		if err := s.conn.NoOp(); err != nil {
			s.cfg.Log.WithError(err).Info("ftp connection stale, reconnecting")
			_ = s.conn.Quit()
			s.conn = nil
		}
	}
	if s.conn == nil {
		conn, err := s.dial()
		if err != nil {
			return nil, err
		}
		s.conn = conn
		s.connectedAt = time.Now()
	}
	return s.conn, nil
}

func (s *FTPStore) dial() (*ftp.ServerConn, error) {
	opts := []ftp.DialOption{ftp.DialWithTimeout(s.cfg.DialTimeout)}
	if s.cfg.ExplicitTLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: s.host}))
	}
	conn, err := ftp.Dial(s.cfg.Addr, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "ftp dial")
	}
	for attempt := 0; ; attempt++ {
		user, pass, err := s.cfg.Creds.Lookup(s.host)
		if err != nil {
			_ = conn.Quit()
			return nil, errors.Wrap(err, "ftp credentials")
		}
		err = conn.Login(user, pass)
		if err == nil {
			break
		}
		var proto *textproto.Error
		if attempt == 0 && errors.As(err, &proto) && proto.Code == ftp.StatusNotLoggedIn {
			s.cfg.Log.WithField("user", user).Warn("ftp login refused, asking for fresh credentials")
			s.cfg.Creds.Reject(s.host)
			continue
		}
		_ = conn.Quit()
		return nil, errors.Wrap(err, "ftp login")
	}
	if s.cfg.Dir != "" {
		if err := conn.ChangeDir(s.cfg.Dir); err != nil {
			if err := conn.MakeDir(s.cfg.Dir); err != nil {
				_ = conn.Quit()
				return nil, errors.Wrapf(err, "create ftp dir %s", s.cfg.Dir)
			}
			if err := conn.ChangeDir(s.cfg.Dir); err != nil {
				_ = conn.Quit()
				return nil, errors.Wrapf(err, "enter ftp dir %s", s.cfg.Dir)
			}
		}
	}
	s.cfg.Log.WithField("addr", s.cfg.Addr).Info("ftp connected")
	return conn, nil
}

func ftpNotFound(err error) bool {
	var proto *textproto.Error
	return errors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable
}

// PollFloor implements PollHinter. Every poll is a NameList round trip, so
// pollers are asked to pace themselves.
func (s *FTPStore) PollFloor() time.Duration { return s.cfg.Poll }

func (s *FTPStore) Send(_ context.Context, ref Ref, payload []byte) (string, error) {
	name := encodeName(ref)
	s.mu.Lock()
	defer s.mu.Unlock()
	return name, s.storAtomic(name, payload)
}

// storAtomic uploads under the temporary name and renames into place so a
// concurrent lister never sees a partial blob. Caller holds mu.
func (s *FTPStore) storAtomic(name string, payload []byte) error {
	conn, err := s.acquire()
	if err != nil {
		return err
	}
	if _, err := conn.FileSize(name); err == nil {
		if err := conn.Delete(name); err != nil && !ftpNotFound(err) {
			return errors.Wrap(err, "replace blob")
		}
	}
	tmp := tmpName(name)
	if err := conn.Stor(tmp, bytes.NewReader(payload)); err != nil {
		return errors.Wrap(err, "stor blob")
	}
	if err := conn.Rename(tmp, name); err != nil {
		_ = conn.Delete(tmp)
		return errors.Wrap(err, "publish blob")
	}
	return nil
}

func (s *FTPStore) List(_ context.Context, f Filter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.acquire()
	if err != nil {
		return nil, err
	}
	if ref, ok := f.exactRef(); ok {
		name := encodeName(ref)
		if _, err := conn.FileSize(name); err == nil {
			return []string{name}, nil
		}
		return nil, nil
	}
	names, err := conn.NameList("")
	if err != nil {
		return nil, errors.Wrap(err, "ftp list")
	}
	var uids []string
	for _, raw := range names {
		name := path.Base(raw) // some servers return full paths
		ref, ok := parseName(name)
		if !ok {
			continue
		}
		if ref.Recipient == AnyPeer && s.cfg.TTL > 0 {
			if mtime, err := conn.GetTime(name); err == nil && time.Since(mtime) > s.cfg.TTL {
				s.cfg.Log.WithField("uid", name).Debug("reaping expired broadcast blob")
				_ = conn.Delete(name)
				continue
			}
		}
		if f.Match(ref) {
			uids = append(uids, name)
		}
	}
	sort.Strings(uids)
	return uids, nil
}

func (s *FTPStore) Fetch(_ context.Context, uid string) (Ref, []byte, error) {
	ref, ok := parseName(uid)
	if !ok {
		return Ref{}, nil, errors.Errorf("bad blob name %q", uid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := s.retr(uid)
	if err != nil {
		return Ref{}, nil, err
	}
	return ref, payload, nil
}

// retr downloads one file. Caller holds mu.
func (s *FTPStore) retr(name string) ([]byte, error) {
	conn, err := s.acquire()
	if err != nil {
		return nil, err
	}
	resp, err := conn.Retr(name)
	if ftpNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "retr blob")
	}
	payload, err := io.ReadAll(resp)
	if cerr := resp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "read blob")
	}
	return payload, nil
}

func (s *FTPStore) Delete(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.acquire()
	if err != nil {
		return err
	}
	if err := conn.Delete(uid); err != nil && !ftpNotFound(err) {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}

func (s *FTPStore) PublishCapabilities(_ context.Context, rid string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storAtomic(capaName(rid), joinLines(names))
}

func (s *FTPStore) RemoveCapabilities(_ context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.acquire()
	if err != nil {
		return err
	}
	if err := conn.Delete(capaName(rid)); err != nil && !ftpNotFound(err) {
		return errors.Wrap(err, "remove capability record")
	}
	return nil
}

func (s *FTPStore) Servers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.acquire()
	if err != nil {
		return nil, err
	}
	names, err := conn.NameList("")
	if err != nil {
		return nil, errors.Wrap(err, "ftp list")
	}
	var rids []string
	for _, raw := range names {
		if rid, ok := parseCapaName(path.Base(raw)); ok {
			rids = append(rids, rid)
		}
	}
	sort.Strings(rids)
	return rids, nil
}

func (s *FTPStore) Capabilities(_ context.Context, rid string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := s.retr(capaName(rid))
	if err != nil {
		return nil, err
	}
	return splitLines(string(body)), nil
}

func (s *FTPStore) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.acquire()
	if err != nil {
		return err
	}
	names, err := conn.NameList("")
	if err != nil {
		return errors.Wrap(err, "ftp list")
	}
	for _, raw := range names {
		name := path.Base(raw)
		ref, ok := parseName(name)
		if !ok || ref.Recipient != id {
			continue
		}
		if err := conn.Delete(name); err != nil && !ftpNotFound(err) {
			s.cfg.Log.WithError(err).WithField("uid", name).Warn("purge delete failed")
		}
	}
	return nil
}

func (s *FTPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}
