package pipe

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
)

// OpenCommand opens a generic pipe session to rid and sends the command
// line the far side should run.
func OpenCommand(ctx context.Context, cli *peer.Client, rid, command string) (*session.Session, error) {
	sess, err := cli.OpenSession(ctx, rid, Capability)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(ctx, []byte(command+"\n")); err != nil {
		_ = sess.Close(ctx)
		return nil, errors.Wrap(err, "send command")
	}
	return sess, nil
}

// Client runs the terminal side of a pipe session: input lines go to the
// remote process, stream chunks land on out and errOut by header, and
// lifecycle notices go to the logger.
type Client struct {
	sess    *session.Session
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	log     logrus.FieldLogger
	exit    int
	hasExit bool
}

// ClientOption adjusts a Client.
type ClientOption func(*Client)

// WithClientIO replaces the default stdin/stdout/stderr endpoints.
func WithClientIO(in io.Reader, out, errOut io.Writer) ClientOption {
	return func(c *Client) { c.in, c.out, c.errOut = in, out, errOut }
}

// WithClientLogger routes client logs to log.
func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient builds a Client over an open pipe session.
func NewClient(sess *session.Session, opts ...ClientOption) *Client {
	c := &Client{
		sess:   sess,
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExitCode returns the remote exit status, if one was announced before the
// session closed.
func (c *Client) ExitCode() (int, bool) { return c.exit, c.hasExit }

// Run shuttles until the session closes or the input reaches EOF. Input EOF
// closes the session, which kills the remote process.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			line = append(line, '\n')
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	recvDone := make(chan error, 1)
	go func() { recvDone <- c.receive(ctx) }()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				_ = c.sess.Close(ctx)
				continue
			}
			if err := c.sess.Send(ctx, line); err != nil {
				if !errors.Is(err, session.ErrClosed) {
					c.log.WithError(err).Warn("pipe input send failed")
				}
				return <-recvDone
			}
		case err := <-recvDone:
			return err
		case <-ctx.Done():
			return <-recvDone
		}
	}
}

func (c *Client) receive(ctx context.Context) error {
	for {
		chunk, err := c.sess.Next(ctx)
		if err != nil {
			if errors.Is(err, session.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch {
		case bytes.HasPrefix(chunk, stdoutHeader):
			if _, err := c.out.Write(chunk[len(stdoutHeader):]); err != nil {
				return errors.Wrap(err, "write stdout")
			}
		case bytes.HasPrefix(chunk, stderrHeader):
			if _, err := c.errOut.Write(chunk[len(stderrHeader):]); err != nil {
				return errors.Wrap(err, "write stderr")
			}
		case bytes.HasPrefix(chunk, infoHeader):
			c.notice(string(chunk[len(infoHeader):]))
		case bytes.HasPrefix(chunk, errHeader):
			return errors.Errorf("pipe: remote failure: %s", chunk[len(errHeader):])
		default:
			c.log.WithField("len", len(chunk)).Warn("unknown pipe message")
		}
	}
}

func (c *Client) notice(note string) {
	if code, ok := strings.CutPrefix(note, exitPrefix); ok {
		if n, err := strconv.Atoi(code); err == nil {
			c.exit, c.hasExit = n, true
		}
		c.log.WithField("code", code).Info("remote process exited")
		return
	}
	c.log.WithField("note", note).Info("pipe notice")
}
