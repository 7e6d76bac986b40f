package exporter

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runZeroInc/dropwire/pkg/blobstore"
)

// InstrumentedStore counts operations and payload bytes on their way to an
// underlying store. Change notification is forwarded when the underlying
// binding supports it, so wrapped pollers still wake early.
type InstrumentedStore struct {
	inner blobstore.Store
	ops   *prometheus.CounterVec
	bytes *prometheus.CounterVec
}

// NewInstrumentedStore wraps inner and registers its counters with reg.
func NewInstrumentedStore(inner blobstore.Store, reg prometheus.Registerer) *InstrumentedStore {
	s := &InstrumentedStore{
		inner: inner,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropwire_store_ops_total",
			Help: "Store operations by outcome.",
		}, []string{"op", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropwire_store_bytes_total",
			Help: "Payload bytes moved through the store.",
		}, []string{"direction"}),
	}
	reg.MustRegister(s.ops, s.bytes)
	return s
}

func (s *InstrumentedStore) count(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.ops.WithLabelValues(op, outcome).Inc()
}

func (s *InstrumentedStore) Send(ctx context.Context, ref blobstore.Ref, payload []byte) (string, error) {
	uid, err := s.inner.Send(ctx, ref, payload)
	s.count("send", err)
	if err == nil {
		s.bytes.WithLabelValues("sent").Add(float64(len(payload)))
	}
	return uid, err
}

func (s *InstrumentedStore) List(ctx context.Context, f blobstore.Filter) ([]string, error) {
	uids, err := s.inner.List(ctx, f)
	s.count("list", err)
	return uids, err
}

func (s *InstrumentedStore) Fetch(ctx context.Context, uid string) (blobstore.Ref, []byte, error) {
	ref, payload, err := s.inner.Fetch(ctx, uid)
	s.count("fetch", err)
	if err == nil {
		s.bytes.WithLabelValues("fetched").Add(float64(len(payload)))
	}
	return ref, payload, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, uid string) error {
	err := s.inner.Delete(ctx, uid)
	s.count("delete", err)
	return err
}

func (s *InstrumentedStore) PublishCapabilities(ctx context.Context, rid string, names []string) error {
	err := s.inner.PublishCapabilities(ctx, rid, names)
	s.count("publish", err)
	return err
}

func (s *InstrumentedStore) RemoveCapabilities(ctx context.Context, rid string) error {
	err := s.inner.RemoveCapabilities(ctx, rid)
	s.count("remove", err)
	return err
}

func (s *InstrumentedStore) Servers(ctx context.Context) ([]string, error) {
	rids, err := s.inner.Servers(ctx)
	s.count("servers", err)
	return rids, err
}

func (s *InstrumentedStore) Capabilities(ctx context.Context, rid string) ([]string, error) {
	names, err := s.inner.Capabilities(ctx, rid)
	s.count("capabilities", err)
	return names, err
}

func (s *InstrumentedStore) Purge(ctx context.Context, id string) error {
	err := s.inner.Purge(ctx, id)
	s.count("purge", err)
	return err
}

func (s *InstrumentedStore) Close() error { return s.inner.Close() }

func (s *InstrumentedStore) WaitChange(ctx context.Context, max time.Duration) {
	if w, ok := s.inner.(blobstore.ChangeWaiter); ok {
		w.WaitChange(ctx, max)
		return
	}
	blobstore.Sleep(ctx, max)
}

func (s *InstrumentedStore) PollFloor() time.Duration {
	return blobstore.Floor(s.inner, 0)
}
