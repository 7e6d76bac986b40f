package exporter

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gotest.tools/v3/assert"

	"github.com/runZeroInc/dropwire"
	"github.com/runZeroInc/dropwire/pkg/blobstore"
	"github.com/runZeroInc/dropwire/pkg/peer"
	"github.com/runZeroInc/dropwire/pkg/session"
)

func TestSessionCollectorScrapesLiveSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := blobstore.NewMemStore()
	srv := peer.NewServer(store, "exit")
	consumed := make(chan struct{})
	srv.Register("hold", peer.ActionFunc(func(ctx context.Context, sess *session.Session) error {
		if _, err := sess.Next(ctx); err != nil {
			return err
		}
		close(consumed)
		<-ctx.Done()
		return ctx.Err()
	}))
	serveCtx, stop := context.WithCancel(ctx)
	t.Cleanup(stop)
	go srv.Serve(serveCtx)

	cli := peer.NewClient(store, "entry")
	sess, err := cli.OpenSession(ctx, "exit", "hold")
	assert.NilError(t, err)
	assert.NilError(t, sess.Send(ctx, []byte("ping")))
	<-consumed

	c := NewSessionCollector(srv, nil)
	expected := `
# HELP dropwire_session_bytes_in_total Chunk bytes a session has consumed from the medium.
# TYPE dropwire_session_bytes_in_total counter
dropwire_session_bytes_in_total{capability="hold",peer="entry",sid="1"} 4
# HELP dropwire_sessions Number of live sessions.
# TYPE dropwire_sessions gauge
dropwire_sessions 1
`
	assert.NilError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"dropwire_session_bytes_in_total", "dropwire_sessions"))
}

func TestSessionCollectorEmptyServer(t *testing.T) {
	store := blobstore.NewMemStore()
	srv := peer.NewServer(store, "idle")

	c := NewSessionCollector(srv, prometheus.Labels{"rid": "idle"})
	expected := `
# HELP dropwire_sessions Number of live sessions.
# TYPE dropwire_sessions gauge
dropwire_sessions{rid="idle"} 0
`
	assert.NilError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "dropwire_sessions"))
}

func TestInstrumentedStoreCounts(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	store := NewInstrumentedStore(blobstore.NewMemStore(), reg)

	ref := blobstore.Ref{Sender: "a", Recipient: "b", SID: 1, Seq: 0}
	uid, err := store.Send(ctx, ref, []byte("hello"))
	assert.NilError(t, err)

	_, _, err = store.Fetch(ctx, uid)
	assert.NilError(t, err)
	_, _, err = store.Fetch(ctx, "no-such-uid")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	assert.Equal(t, testutil.ToFloat64(store.ops.WithLabelValues("send", "ok")), 1.0)
	assert.Equal(t, testutil.ToFloat64(store.ops.WithLabelValues("fetch", "ok")), 1.0)
	assert.Equal(t, testutil.ToFloat64(store.ops.WithLabelValues("fetch", "error")), 1.0)
	assert.Equal(t, testutil.ToFloat64(store.bytes.WithLabelValues("sent")), 5.0)
	assert.Equal(t, testutil.ToFloat64(store.bytes.WithLabelValues("fetched")), 5.0)
}

func TestInstrumentedStoreForwardsWaitChange(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	store := NewInstrumentedStore(blobstore.NewMemStore(), reg)

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.Send(ctx, blobstore.Ref{Sender: "a", Recipient: "b", SID: 1, Seq: 0}, []byte("x"))
	}()
	start := time.Now()
	store.WaitChange(ctx, 10*time.Second)
	assert.Assert(t, time.Since(start) < 5*time.Second)
}

func TestConnReporterCountsAtClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	rep := NewConnReporter(reg)

	stats := dropwire.ConnStats{RecvBytes: 10, SentBytes: 7}
	rep.Report(stats, dropwire.Opened)
	rep.Report(stats, dropwire.Closed)

	assert.Equal(t, testutil.ToFloat64(rep.events.WithLabelValues("open")), 1.0)
	assert.Equal(t, testutil.ToFloat64(rep.events.WithLabelValues("close")), 1.0)
	assert.Equal(t, testutil.ToFloat64(rep.bytes.WithLabelValues("in")), 10.0)
	assert.Equal(t, testutil.ToFloat64(rep.bytes.WithLabelValues("out")), 7.0)
}

func TestConnReporterWrap(t *testing.T) {
	reg := prometheus.NewRegistry()
	rep := NewConnReporter(reg)

	client, server := net.Pipe()
	go io.Copy(io.Discard, server)

	conn := rep.Wrap(client)
	_, err := conn.Write([]byte("abc"))
	assert.NilError(t, err)
	assert.NilError(t, conn.Close())
	server.Close()

	assert.Equal(t, testutil.ToFloat64(rep.bytes.WithLabelValues("out")), 3.0)
	assert.Equal(t, testutil.ToFloat64(rep.events.WithLabelValues("open")), 1.0)
	assert.Equal(t, testutil.ToFloat64(rep.events.WithLabelValues("close")), 1.0)
}
