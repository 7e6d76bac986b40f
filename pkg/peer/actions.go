package peer

import (
	"context"
	"sync"

	"github.com/runZeroInc/dropwire/pkg/session"
)

// Echo returns an action that sends every received chunk straight back.
// Servers usually register it as "echo".
func Echo() Action {
	return ActionFunc(func(ctx context.Context, sess *session.Session) error {
		for {
			chunk, err := sess.Next(ctx)
			if err != nil {
				return err
			}
			if err := sess.Send(ctx, chunk); err != nil {
				return err
			}
		}
	})
}

// LineEcho returns an action that reads byte by byte and answers one whole
// line at a time, however the line was fragmented on the way in. Servers
// usually register it as "echo2".
func LineEcho() Action {
	return ActionFunc(func(ctx context.Context, sess *session.Session) error {
		var line []byte
		for {
			b, err := sess.ReadByte(ctx)
			if err != nil {
				return err
			}
			line = append(line, b)
			if b == '\n' {
				if err := sess.Send(ctx, line); err != nil {
					return err
				}
				line = line[:0]
			}
		}
	})
}

// Sink consumes every chunk and keeps a transcript. Servers usually
// register it as "dummy"; tests and load drills read the transcript back.
type Sink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *Sink) Serve(ctx context.Context, sess *session.Session) error {
	for {
		chunk, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, append([]byte(nil), chunk...))
		s.mu.Unlock()
	}
}

// Chunks returns the chunks received so far.
func (s *Sink) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}
