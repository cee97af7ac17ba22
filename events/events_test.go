package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PerSourceAndWildcard(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	a := bus.Subscribe("src_a", 4)
	defer a.Close()
	all := bus.Subscribe("", 4)
	defer all.Close()

	bus.Publish(ctx, Event{Kind: PageUpdated, SourceID: "src_a", PageID: "pg_1", Status: "completed"})
	bus.Publish(ctx, Event{Kind: SourceUpdated, SourceID: "src_b", Status: "CRAWLING"})

	got := <-a.C
	assert.Equal(t, "pg_1", got.PageID)
	select {
	case e := <-a.C:
		t.Fatalf("src_a subscriber got foreign event %+v", e)
	default:
	}

	assert.Equal(t, "src_a", (<-all.C).SourceID)
	assert.Equal(t, "src_b", (<-all.C).SourceID)
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	var dropped atomic.Int64
	bus := NewBus(WithDropHook(func(Event) { dropped.Add(1) }))
	s := bus.Subscribe("src_a", 1)
	defer s.Close()

	for range 3 {
		bus.Publish(context.Background(), Event{Kind: PageUpdated, SourceID: "src_a"})
	}
	assert.Equal(t, int64(2), dropped.Load())
	assert.Len(t, s.C, 1)
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe("src_a", 1)
	require.Equal(t, 1, bus.Subscribers())
	s.Close()
	s.Close()
	assert.Equal(t, 0, bus.Subscribers())
	_, open := <-s.C
	assert.False(t, open)

	// Publishing after close must not panic.
	bus.Publish(context.Background(), Event{SourceID: "src_a"})
}

func TestMulti(t *testing.T) {
	b1, b2 := NewBus(), NewBus()
	s1, s2 := b1.Subscribe("", 1), b2.Subscribe("", 1)
	Multi{b1, nil, b2, Discard{}}.Publish(context.Background(), Event{SourceID: "x"})
	assert.Len(t, s1.C, 1)
	assert.Len(t, s2.C, 1)
}

func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestNATSPublisher(t *testing.T) {
	srv := startNATS(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub := NewNATSPublisher(nc, "flow", nil)
	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("flow.source.*", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	pub.Publish(context.Background(), Event{Kind: SourceUpdated, SourceID: "src_1", Status: "COMPLETED", Progress: 100})
	require.NoError(t, nc.Flush())

	select {
	case msg := <-ch:
		assert.Equal(t, "flow.source.src_1", msg.Subject)
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, SourceUpdated, e.Kind)
		assert.Equal(t, 100, e.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
