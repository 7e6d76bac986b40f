// Package speed measures what the medium between two peers can actually
// carry. The exchange:
//
//	C→S  NowYourTime            S→C  its clock, decimal nanoseconds
//	C→S  payload chunks
//	C→S  NowYourTime            S→C  ThankYou, then the stored chunks back
//	C→S  ThankYou               session closes
//
// The first exchange halves into latency and clock offset; the payload trip
// out and back times each direction.
package speed

import (
	"bytes"
	"context"
	"crypto/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
)

// Capability is the advertisement name of the probe responder.
const Capability = "speed"

var (
	timeRequest = []byte("NowYourTime")
	thankYou    = []byte("ThankYou")
)

// DefaultPayloadSize is the probe payload when the caller does not pick one.
const DefaultPayloadSize = 1 << 20

// Speed answers probe sessions.
type Speed struct {
	log logrus.FieldLogger
}

// Option adjusts a Speed.
type Option func(*Speed)

// WithLogger routes probe logs to log.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Speed) { s.log = log }
}

// NewSpeed builds the server half of the probe.
func NewSpeed(opts ...Option) *Speed {
	s := &Speed{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Action returns the action for the "speed" capability.
func (s *Speed) Action() peer.Action { return peer.ActionFunc(s.serve) }

func (s *Speed) serve(ctx context.Context, sess *session.Session) error {
	log := s.log.WithField("sid", sess.SID())
	var stored [][]byte
	var storedBytes int
	timeRequests := 0
	start := time.Now()
	for {
		chunk, err := sess.Next(ctx)
		if err != nil {
			if isShutdown(err) {
				return nil
			}
			return err
		}
		switch {
		case bytes.Equal(chunk, timeRequest):
			timeRequests++
			if timeRequests == 1 {
				nanos := strconv.AppendInt(nil, time.Now().UnixNano(), 10)
				if err := sess.Send(ctx, nanos); err != nil {
					return err
				}
				continue
			}
			// Second request ends the upload; confirm it and replay.
			if err := sess.Send(ctx, thankYou); err != nil {
				return err
			}
			log.WithField("bytes", storedBytes).Debug("upload complete, replaying")
			for _, m := range stored {
				if err := sess.Send(ctx, m); err != nil {
					return err
				}
			}
		case bytes.Equal(chunk, thankYou):
			log.WithFields(logrus.Fields{
				"bytes":   storedBytes,
				"elapsed": time.Since(start).String(),
			}).Info("probe finished")
			return nil
		default:
			stored = append(stored, chunk)
			storedBytes += len(chunk)
		}
	}
}

// Report holds one probe's measurements. Upload covers sending the payload
// until the far side confirmed it; Download covers the replay coming back.
type Report struct {
	Latency     time.Duration
	ClockOffset time.Duration
	PayloadSize int
	Upload      time.Duration
	Download    time.Duration
}

// UploadRate returns bytes per second for the outbound leg.
func (r *Report) UploadRate() float64 { return rate(r.PayloadSize, r.Upload) }

// DownloadRate returns bytes per second for the return leg.
func (r *Report) DownloadRate() float64 { return rate(r.PayloadSize, r.Download) }

func rate(size int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(size) / d.Seconds()
}

type probeConfig struct {
	size int
	log  logrus.FieldLogger
}

// ProbeOption adjusts a probe run.
type ProbeOption func(*probeConfig)

// WithPayloadSize sets the probe payload size in bytes.
func WithPayloadSize(n int) ProbeOption {
	return func(c *probeConfig) { c.size = n }
}

// WithProbeLogger routes probe logs to log.
func WithProbeLogger(log logrus.FieldLogger) ProbeOption {
	return func(c *probeConfig) { c.log = log }
}

// Probe runs the client half over an open speed session and reports what it
// measured.
func Probe(ctx context.Context, sess *session.Session, opts ...ProbeOption) (*Report, error) {
	cfg := probeConfig{size: DefaultPayloadSize, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	t0 := time.Now()
	if err := sess.Send(ctx, timeRequest); err != nil {
		return nil, errors.Wrap(err, "request time")
	}
	reply, err := sess.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read time")
	}
	t1 := time.Now()
	serverNanos, err := strconv.ParseInt(string(bytes.TrimSpace(reply)), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad time reply %q", reply)
	}
	latency := t1.Sub(t0) / 2
	offset := time.Unix(0, serverNanos).Sub(t0.Add(latency))

	payload := make([]byte, cfg.size)
	if _, err := rand.Read(payload); err != nil {
		return nil, errors.Wrap(err, "payload")
	}
	uploadStart := time.Now()
	if err := sess.Send(ctx, payload); err != nil {
		return nil, errors.Wrap(err, "send payload")
	}
	if err := sess.Send(ctx, timeRequest); err != nil {
		return nil, errors.Wrap(err, "end upload")
	}
	ack, err := sess.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read upload ack")
	}
	if !bytes.Equal(ack, thankYou) {
		return nil, errors.Errorf("speed: unexpected upload ack %q", ack)
	}
	uploadEnd := time.Now()

	received := 0
	for received < cfg.size {
		chunk, err := sess.Next(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read replay")
		}
		if received+len(chunk) > cfg.size {
			return nil, errors.Errorf("speed: replay overran by %d bytes", received+len(chunk)-cfg.size)
		}
		if !bytes.Equal(chunk, payload[received:received+len(chunk)]) {
			return nil, errors.New("speed: replay does not match payload")
		}
		received += len(chunk)
	}
	downloadEnd := time.Now()

	if err := sess.Send(ctx, thankYou); err != nil {
		return nil, errors.Wrap(err, "finish")
	}
	report := &Report{
		Latency:     latency,
		ClockOffset: offset,
		PayloadSize: cfg.size,
		Upload:      uploadEnd.Sub(uploadStart),
		Download:    downloadEnd.Sub(uploadEnd),
	}
	cfg.log.WithFields(logrus.Fields{
		"latency":  report.Latency.String(),
		"upload":   report.UploadRate(),
		"download": report.DownloadRate(),
	}).Info("probe complete")
	return report, nil
}

// isShutdown filters the errors normal teardown produces.
func isShutdown(err error) bool {
	return errors.Is(err, session.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
