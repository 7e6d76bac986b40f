// Package pipe runs a subprocess on the far side of the medium: session
// chunks feed its stdin, and its stdout/stderr come back as chunks behind
// 6-byte stream headers. Lifecycle notices ride the INFO:: header; PROBLEM
// reports a failure to spawn. The process exit is announced as
// INFO::Exit:{code} followed by session close.
package pipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
)

// Capability is the advertisement name of the generic runner, which takes
// the command line from the first chunk.
const Capability = "pipe"

// FixedCapability returns the advertisement name for a pinned command.
func FixedCapability(program string) string {
	return "pipe-" + strings.TrimSuffix(filepath.Base(program), ".exe")
}

var (
	stdoutHeader = []byte("STDOUT")
	stderrHeader = []byte("STDERR")
	infoHeader   = []byte("INFO::")
	errHeader    = []byte("PROBLEM")
)

const exitPrefix = "Exit:"

// DefaultFlushInterval is the quiet window before buffered process output
// is flushed into a chunk.
const DefaultFlushInterval = 10 * time.Millisecond

// Runner builds the subprocess actions.
type Runner struct {
	log        logrus.FieldLogger
	flushEvery time.Duration
}

// Option adjusts a Runner.
type Option func(*Runner)

// WithLogger routes runner logs to log.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runner) { r.log = log }
}

// WithFlushInterval sets the output coalescing window.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Runner) { r.flushEvery = d }
}

// NewRunner builds a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{log: logrus.StandardLogger(), flushEvery: DefaultFlushInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generic returns the action for the "pipe" capability. The first line of
// the first chunk is the command line; the rest of that chunk already
// belongs to stdin.
func (r *Runner) Generic() peer.Action {
	return peer.ActionFunc(func(ctx context.Context, sess *session.Session) error {
		first, err := sess.Next(ctx)
		if err != nil {
			if isShutdown(err) {
				return nil
			}
			return err
		}
		line, rest := splitFirstLine(first)
		argv, err := SplitCommand(strings.TrimSpace(string(line)))
		if err == nil && len(argv) == 0 {
			err = errors.New("pipe: empty command")
		}
		if err != nil {
			r.log.WithError(err).Warn("bad pipe command")
			_ = sess.Send(ctx, append(append([]byte(nil), errHeader...), err.Error()...))
			return nil
		}
		return r.run(ctx, sess, argv, rest)
	})
}

// Fixed returns the action for a command pinned at registration, advertised
// as FixedCapability(argv[0]). It spawns as soon as the session starts;
// every chunk is stdin.
func (r *Runner) Fixed(argv ...string) peer.Action {
	return peer.ActionFunc(func(ctx context.Context, sess *session.Session) error {
		return r.run(ctx, sess, argv, nil)
	})
}

func (r *Runner) run(ctx context.Context, sess *session.Session, argv []string, leftover []byte) error {
	log := r.log.WithFields(logrus.Fields{"sid": sess.SID(), "command": argv[0]})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		log.WithError(err).Warn("pipe spawn failed")
		_ = sess.Send(ctx, append(append([]byte(nil), errHeader...), err.Error()...))
		return nil
	}
	log.Info("pipe process started")

	if len(leftover) > 0 {
		if _, err := stdin.Write(leftover); err != nil {
			log.WithError(err).Debug("stdin write failed")
		}
	}
	go func() {
		defer stdin.Close()
		for {
			chunk, err := sess.Next(ctx)
			if err != nil {
				return
			}
			if len(chunk) == 0 {
				continue
			}
			if _, err := stdin.Write(chunk); err != nil {
				return
			}
		}
	}()

	var readers errgroup.Group
	readers.Go(func() error { return r.stream(ctx, sess, stdout, stdoutHeader) })
	readers.Go(func() error { return r.stream(ctx, sess, stderr, stderrHeader) })
	rerr := readers.Wait()

	code := 0
	if werr := cmd.Wait(); werr != nil {
		var exitErr *exec.ExitError
		if errors.As(werr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			log.WithError(werr).Warn("pipe wait failed")
			code = -1
		}
	}
	_ = sess.Send(ctx, []byte(fmt.Sprintf("%s%s%d", infoHeader, exitPrefix, code)))
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = sess.Close(closeCtx)
	log.WithField("code", code).Info("pipe process exited")
	if rerr != nil && !isShutdown(rerr) {
		return rerr
	}
	return nil
}

// stream coalesces one process output stream into header-prefixed chunks:
// it flushes at newline boundaries, when the stream goes quiet, and before
// a chunk would overflow.
func (r *Runner) stream(ctx context.Context, sess *session.Session, src io.Reader, header []byte) error {
	data := make(chan []byte, 16)
	go func() {
		defer close(data)
		buf := make([]byte, 4096)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				data <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()
	pending := append([]byte(nil), header...)
	flush := func() error {
		if len(pending) == len(header) {
			return nil
		}
		err := sess.Send(ctx, pending)
		pending = append([]byte(nil), header...)
		return err
	}
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case chunk, ok := <-data:
			if !ok {
				return flush()
			}
			for len(chunk) > 0 {
				room := session.MaxChunk - len(pending)
				if room <= 0 {
					if err := flush(); err != nil {
						return err
					}
					room = session.MaxChunk - len(header)
				}
				n := min(room, len(chunk))
				pending = append(pending, chunk[:n]...)
				chunk = chunk[n:]
			}
			if bytes.HasSuffix(pending, []byte{'\n'}) {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func splitFirstLine(chunk []byte) ([]byte, []byte) {
	if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
		return chunk[:i], chunk[i+1:]
	}
	return chunk, nil
}

// SplitCommand breaks a command line into words, honoring single and double
// quotes and backslash escapes outside single quotes.
func SplitCommand(line string) ([]string, error) {
	var words []string
	var word []byte
	inWord := false
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, string(word))
				word, inWord = word[:0], false
			}
			i++
		case c == '\'':
			inWord = true
			j := strings.IndexByte(line[i+1:], '\'')
			if j < 0 {
				return nil, errors.New("pipe: unterminated single quote")
			}
			word = append(word, line[i+1:i+1+j]...)
			i += j + 2
		case c == '"':
			inWord = true
			i++
			for {
				if i >= len(line) {
					return nil, errors.New("pipe: unterminated double quote")
				}
				if line[i] == '"' {
					i++
					break
				}
				if line[i] == '\\' && i+1 < len(line) {
					i++
				}
				word = append(word, line[i])
				i++
			}
		case c == '\\' && i+1 < len(line):
			inWord = true
			word = append(word, line[i+1])
			i += 2
		default:
			inWord = true
			word = append(word, c)
			i++
		}
	}
	if inWord {
		words = append(words, string(word))
	}
	return words, nil
}

// isShutdown filters the errors normal teardown produces.
func isShutdown(err error) bool {
	return errors.Is(err, session.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
