package session

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
)

func pair(store blobstore.Store, sid uint64) (*Session, *Session) {
	return New(store, "cli", "srv", sid), New(store, "srv", "cli", sid)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	cli, srv := pair(store, 1)

	assert.NilError(t, cli.Send(ctx, []byte("hello")))
	got, err := srv.Next(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []byte("hello"))

	assert.NilError(t, srv.Send(ctx, []byte("HELLO")))
	got, err = cli.Next(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []byte("HELLO"))
}

func TestSessionFragmentsLargePayload(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	cli, srv := pair(store, 2)

	payload := make([]byte, 1200000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	assert.NilError(t, cli.Send(ctx, payload))

	// 500000 + 500000 + 200000: exactly three blobs on the medium.
	uids, err := store.List(ctx, blobstore.InSession("srv", 2))
	assert.NilError(t, err)
	assert.Equal(t, len(uids), 3)

	var got []byte
	for len(got) < len(payload) {
		chunk, err := srv.Next(ctx)
		assert.NilError(t, err)
		got = append(got, chunk...)
	}
	assert.DeepEqual(t, got, payload)

	stats := srv.Stats()
	assert.Equal(t, stats.ChunksIn, uint64(3))
	assert.Equal(t, stats.BytesIn, uint64(len(payload)))
}

func TestSessionChunkBoundary(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()

	for _, tc := range []struct {
		name  string
		size  int
		blobs int
	}{
		{name: "exact", size: MaxChunk, blobs: 1},
		{name: "oneOver", size: MaxChunk + 1, blobs: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sid := uint64(10 + tc.blobs)
			cli, srv := pair(store, sid)

			payload := make([]byte, tc.size)
			for i := range payload {
				payload[i] = byte(i)
			}
			assert.NilError(t, cli.Send(ctx, payload))

			uids, err := store.List(ctx, blobstore.InSession("srv", sid))
			assert.NilError(t, err)
			assert.Equal(t, len(uids), tc.blobs)

			var got []byte
			for len(got) < len(payload) {
				chunk, err := srv.Next(ctx)
				assert.NilError(t, err)
				got = append(got, chunk...)
			}
			assert.DeepEqual(t, got, payload)
		})
	}
}

func TestSessionEmptyChunk(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	cli, srv := pair(store, 3)

	assert.NilError(t, cli.Send(ctx, nil))
	chunk, ok, err := srv.TryNext(ctx)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, len(chunk), 0)
}

func TestSessionConsumesInStrictOrder(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	cli, srv := pair(store, 4)

	// A chunk far ahead of the expected sequence number must stay put.
	_, err := store.Send(ctx, blobstore.Ref{Sender: "cli", Recipient: "srv", SID: 4, Seq: 5}, []byte("early"))
	assert.NilError(t, err)

	_, ok, err := srv.TryNext(ctx)
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	for i := 0; i < 3; i++ {
		assert.NilError(t, cli.Send(ctx, []byte{byte('a' + i)}))
	}
	for i := 0; i < 3; i++ {
		chunk, err := srv.Next(ctx)
		assert.NilError(t, err)
		assert.DeepEqual(t, chunk, []byte{byte('a' + i)})
	}
}

func TestSessionClose(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	cli, srv := pair(store, 5)

	assert.NilError(t, cli.Send(ctx, []byte("last words")))
	assert.NilError(t, cli.Close(ctx))

	// Data queued before the close marker still arrives.
	got, err := srv.Next(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []byte("last words"))

	_, err = srv.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Assert(t, srv.Closed())

	// Closing the other side now sends no second marker, and neither end
	// accepts further traffic.
	assert.NilError(t, srv.Close(ctx))
	uids, err := store.List(ctx, blobstore.Addressed("cli"))
	assert.NilError(t, err)
	assert.Equal(t, len(uids), 0)
	assert.ErrorIs(t, cli.Send(ctx, []byte("x")), ErrClosed)
	assert.ErrorIs(t, srv.Send(ctx, []byte("x")), ErrClosed)
}

func TestSessionZeroNeverSendsCloseMarker(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	cli, _ := pair(store, 0)

	assert.NilError(t, cli.Close(ctx))
	uids, err := store.List(ctx, blobstore.Addressed("srv"))
	assert.NilError(t, err)
	assert.Equal(t, len(uids), 0)
}

func TestSessionReadByte(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	cli, srv := pair(store, 6)

	assert.NilError(t, cli.Send(ctx, []byte("AB")))
	assert.NilError(t, cli.Send(ctx, nil)) // empty chunks are skipped
	assert.NilError(t, cli.Send(ctx, []byte("C")))

	for _, want := range []byte("ABC") {
		b, err := srv.ReadByte(ctx)
		assert.NilError(t, err)
		assert.Equal(t, b, want)
	}

	// A chunk read halfway by ReadByte hands its tail to the next reader.
	assert.NilError(t, cli.Send(ctx, []byte("XY")))
	b, err := srv.ReadByte(ctx)
	assert.NilError(t, err)
	assert.Equal(t, b, byte('X'))
	rest, err := srv.Next(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, rest, []byte("Y"))
}

func TestSessionContextCancel(t *testing.T) {
	store := blobstore.NewMemStore()
	_, srv := pair(store, 7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := srv.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
