package blobstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/cred"
)

// IMAPConfig describes the mailbox shared by the peers.
type IMAPConfig struct {
	Addr         string // host:port, port 993 assumed
	Mailbox      string // default INBOX
	Insecure     bool   // plain connection instead of TLS
	Creds        cred.Manager
	RestartAfter time.Duration // connection renewal age, default 1h
	Poll         time.Duration // minimum pause between polls, default 1s
	Log          logrus.FieldLogger
}

// IMAPStore is the mailbox binding. Blobs ride as mails whose subject
// carries the ref and whose body is the base64 payload; capability records
// are plain-text mails. One connection is shared and serialized, replaced
// once it ages past RestartAfter or stops answering NOOP. Expired
// broadcast blobs are not reaped on List; Purge cleans them up.
type IMAPStore struct {
	cfg  IMAPConfig
	host string

	mu          sync.Mutex
	conn        *client.Client
	connectedAt time.Time
}

// NewIMAPStore connects, logs in, and selects the mailbox, creating it when
// the server does not know it yet.
func NewIMAPStore(cfg IMAPConfig) (*IMAPStore, error) {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.RestartAfter <= 0 {
		cfg.RestartAfter = DefaultRestartAfter
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
		cfg.Addr = net.JoinHostPort(host, "993")
	}
	s := &IMAPStore{cfg: cfg, host: host}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.acquire(); err != nil {
		return nil, err
	}
	return s, nil
}

// acquire returns a live connection. Caller holds mu.
func (s *IMAPStore) acquire() (*client.Client, error) {
	if s.conn != nil && time.Since(s.connectedAt) > s.cfg.RestartAfter {
		s.cfg.Log.Info("imap connection past renewal age, reconnecting")
		_ = s.conn.Logout()
		s.conn = nil
	}
	if s.conn != nil {
		if err := s.conn.Noop(); err != nil {
			s.cfg.Log.WithError(err).Info("imap connection stale, reconnecting")
			_ = s.conn.Logout()
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

func (s *IMAPStore) dial() (*client.Client, error) {
	var conn *client.Client
	var err error
	if s.cfg.Insecure {
		conn, err = client.Dial(s.cfg.Addr)
	} else {
		conn, err = client.DialTLS(s.cfg.Addr, &tls.Config{ServerName: s.host})
	}
	if err != nil {
		return nil, errors.Wrap(err, "imap dial")
	}
	for attempt := 0; ; attempt++ {
		user, pass, err := s.cfg.Creds.Lookup(s.host)
		if err != nil {
			_ = conn.Logout()
			return nil, errors.Wrap(err, "imap credentials")
		}
		err = conn.Login(user, pass)
		if err == nil {
			break
		}
		if attempt == 0 {
			s.cfg.Log.WithField("user", user).Warn("imap login refused, asking for fresh credentials")
			s.cfg.Creds.Reject(s.host)
			continue
		}
		_ = conn.Logout()
		return nil, errors.Wrap(err, "imap login")
	}
	if _, err := conn.Select(s.cfg.Mailbox, false); err != nil {
		if err := conn.Create(s.cfg.Mailbox); err != nil {
			_ = conn.Logout()
			return nil, errors.Wrapf(err, "create mailbox %s", s.cfg.Mailbox)
		}
		if _, err := conn.Select(s.cfg.Mailbox, false); err != nil {
			_ = conn.Logout()
			return nil, errors.Wrapf(err, "select mailbox %s", s.cfg.Mailbox)
		}
	}
	s.cfg.Log.WithFields(logrus.Fields{"addr": s.cfg.Addr, "mailbox": s.cfg.Mailbox}).Info("imap connected")
	return conn, nil
}

// PollFloor implements PollHinter. Every poll is a UID SEARCH round trip, so
// pollers are asked to pace themselves.
func (s *IMAPStore) PollFloor() time.Duration { return s.cfg.Poll }

// search returns the uids of live mails whose subject contains needle.
// Caller holds mu.
func (s *IMAPStore) search(needle string) ([]uint32, error) {
	conn, err := s.acquire()
	if err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", needle)
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	uids, err := conn.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrap(err, "imap search")
	}
	return uids, nil
}

// fetchMessages runs one UID FETCH and drains the whole response before
// looking at the command status, the way the client library expects.
// Caller holds mu.
func (s *IMAPStore) fetchMessages(conn *client.Client, uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- conn.UidFetch(set, items, ch) }()
	var msgs []*imap.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "imap fetch")
	}
	return msgs, nil
}

// expunge flags the uids deleted and expunges the mailbox. Caller holds mu.
func (s *IMAPStore) expunge(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	conn, err := s.acquire()
	if err != nil {
		return err
	}
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := conn.UidStore(set, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return errors.Wrap(err, "flag deleted")
	}
	if err := conn.Expunge(nil); err != nil {
		return errors.Wrap(err, "expunge")
	}
	return nil
}

// retr downloads one raw message by uid. Caller holds mu.
func (s *IMAPStore) retr(uid uint32) ([]byte, error) {
	conn, err := s.acquire()
	if err != nil {
		return nil, err
	}
	section := &imap.BodySectionName{}
	msgs, err := s.fetchMessages(conn, []uint32{uid}, []imap.FetchItem{section.FetchItem(), imap.FetchUid})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	body := msgs[0].GetBody(section)
	if body == nil {
		return nil, ErrNotFound
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "read mail")
	}
	return raw, nil
}

// append uploads one composed mail to the mailbox. Caller holds mu.
func (s *IMAPStore) append(subject, from, to, body string) error {
	conn, err := s.acquire()
	if err != nil {
		return err
	}
	raw := composeMail(from, to, subject, body)
	if err := conn.Append(s.cfg.Mailbox, nil, time.Time{}, bytes.NewReader(raw)); err != nil {
		return errors.Wrap(err, "imap append")
	}
	return nil
}

func (s *IMAPStore) Send(_ context.Context, ref Ref, payload []byte) (string, error) {
	subject := encodeSubject(ref)
	s.mu.Lock()
	defer s.mu.Unlock()
	// The discovery slot at sid 0 is rewritten in place on every round;
	// every other ref is written exactly once.
	if ref.SID == 0 {
		stale, err := s.search(subject)
		if err != nil {
			return "", err
		}
		if err := s.expunge(stale); err != nil {
			return "", err
		}
	}
	if err := s.append(subject, ref.Sender, ref.Recipient, encodeBody(payload)); err != nil {
		return "", err
	}
	// Append does not report the assigned uid; an exact-subject search
	// recovers it best effort. Chunk senders never look at it.
	uids, err := s.search(subject)
	if err != nil || len(uids) == 0 {
		return "", nil
	}
	max := uids[0]
	for _, u := range uids[1:] {
		if u > max {
			max = u
		}
	}
	return strconv.FormatUint(uint64(max), 10), nil
}

func (s *IMAPStore) List(_ context.Context, f Filter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids, err := s.search(subjectNeedle(f))
	if err != nil || len(uids) == 0 {
		return nil, err
	}
	conn, err := s.acquire()
	if err != nil {
		return nil, err
	}
	msgs, err := s.fetchMessages(conn, uids, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid})
	if err != nil {
		return nil, err
	}
	var matched []uint32
	for _, msg := range msgs {
		if msg.Envelope == nil {
			continue
		}
		ref, ok := parseSubject(msg.Envelope.Subject)
		if ok && f.Match(ref) {
			matched = append(matched, msg.Uid)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	out := make([]string, len(matched))
	for i, uid := range matched {
		out[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return out, nil
}

func (s *IMAPStore) Fetch(_ context.Context, uid string) (Ref, []byte, error) {
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return Ref{}, nil, errors.Errorf("bad blob uid %q", uid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.retr(uint32(n))
	if err != nil {
		return Ref{}, nil, err
	}
	subject, body, err := parseMail(raw)
	if err != nil {
		return Ref{}, nil, err
	}
	ref, ok := parseSubject(subject)
	if !ok {
		return Ref{}, nil, errors.Errorf("mail %s is not a blob: subject %q", uid, subject)
	}
	payload, err := decodeBody(body)
	if err != nil {
		return Ref{}, nil, err
	}
	return ref, payload, nil
}

func (s *IMAPStore) Delete(_ context.Context, uid string) error {
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return errors.Errorf("bad blob uid %q", uid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expunge([]uint32{uint32(n)})
}

func (s *IMAPStore) PublishCapabilities(_ context.Context, rid string, names []string) error {
	subject := capaSubject(rid)
	s.mu.Lock()
	defer s.mu.Unlock()
	stale, err := s.search(subject)
	if err != nil {
		return err
	}
	if err := s.expunge(stale); err != nil {
		return err
	}
	// Capability bodies stay plain text, one name per line.
	return s.append(subject, rid, rid, string(joinLines(names)))
}

func (s *IMAPStore) RemoveCapabilities(_ context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale, err := s.search(capaSubject(rid))
	if err != nil {
		return err
	}
	return s.expunge(stale)
}

func (s *IMAPStore) Servers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids, err := s.search(capaSubjectPrefix)
	if err != nil || len(uids) == 0 {
		return nil, err
	}
	conn, err := s.acquire()
	if err != nil {
		return nil, err
	}
	msgs, err := s.fetchMessages(conn, uids, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var rids []string
	for _, msg := range msgs {
		if msg.Envelope == nil {
			continue
		}
		if rid, ok := parseCapaSubject(msg.Envelope.Subject); ok && !seen[rid] {
			seen[rid] = true
			rids = append(rids, rid)
		}
	}
	sort.Strings(rids)
	return rids, nil
}

func (s *IMAPStore) Capabilities(_ context.Context, rid string) ([]string, error) {
	subject := capaSubject(rid)
	s.mu.Lock()
	defer s.mu.Unlock()
	uids, err := s.search(subject)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, ErrNotFound
	}
	// The newest publication wins when stale duplicates linger.
	max := uids[0]
	for _, u := range uids[1:] {
		if u > max {
			max = u
		}
	}
	raw, err := s.retr(max)
	if err != nil {
		return nil, err
	}
	got, body, err := parseMail(raw)
	if err != nil {
		return nil, err
	}
	if got != subject {
		return nil, errors.Errorf("mail %d is not a capability record: subject %q", max, got)
	}
	return splitLines(string(body)), nil
}

func (s *IMAPStore) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids, err := s.search(fmt.Sprintf("-%s-Message-", id))
	if err != nil || len(uids) == 0 {
		return err
	}
	conn, err := s.acquire()
	if err != nil {
		return err
	}
	msgs, err := s.fetchMessages(conn, uids, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid})
	if err != nil {
		return err
	}
	var doomed []uint32
	for _, msg := range msgs {
		if msg.Envelope == nil {
			continue
		}
		if ref, ok := parseSubject(msg.Envelope.Subject); ok && ref.Recipient == id {
			doomed = append(doomed, msg.Uid)
		}
	}
	return s.expunge(doomed)
}

func (s *IMAPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Logout()
	s.conn = nil
	return err
}
