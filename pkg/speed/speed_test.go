package speed

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
)

func startSpeedServer(ctx context.Context, t *testing.T) *peer.Client {
	t.Helper()
	store := blobstore.NewMemStore()
	srv := peer.NewServer(store, "far")
	srv.Register(Capability, NewSpeed().Action())
	serveCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go srv.Serve(serveCtx)
	return peer.NewClient(store, "near")
}

func TestProbeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cli := startSpeedServer(ctx, t)

	sess, err := cli.OpenSession(ctx, "far", Capability)
	assert.NilError(t, err)
	report, err := Probe(ctx, sess, WithPayloadSize(64*1024))
	assert.NilError(t, err)

	assert.Equal(t, report.PayloadSize, 64*1024)
	assert.Assert(t, report.Latency > 0)
	assert.Assert(t, report.Upload > 0)
	assert.Assert(t, report.Download > 0)
	assert.Assert(t, report.UploadRate() > 0)
	assert.Assert(t, report.DownloadRate() > 0)

	// The far side hangs up after the final ThankYou.
	_, err = sess.Next(ctx)
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestProbeSurvivesFragmentation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cli := startSpeedServer(ctx, t)

	sess, err := cli.OpenSession(ctx, "far", Capability)
	assert.NilError(t, err)
	size := session.MaxChunk*2 + 1234
	report, err := Probe(ctx, sess, WithPayloadSize(size))
	assert.NilError(t, err)
	assert.Equal(t, report.PayloadSize, size)
}

func TestReportRates(t *testing.T) {
	r := &Report{PayloadSize: 1000, Upload: time.Second, Download: 2 * time.Second}
	assert.Equal(t, r.UploadRate(), 1000.0)
	assert.Equal(t, r.DownloadRate(), 500.0)

	zero := &Report{PayloadSize: 1000}
	assert.Equal(t, zero.UploadRate(), 0.0)
}
