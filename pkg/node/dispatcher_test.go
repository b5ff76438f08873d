package node

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/zephyrmesh/pkg/bus"
	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/idgen"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
)

// recordingTopic stands in for *gossip.Topic.
type recordingTopic struct {
	mu        sync.Mutex
	published [][]byte
	err       error
	view      map[gossip.PeerID]string
	removed   []gossip.PeerID
}

func newRecordingTopic() *recordingTopic {
	return &recordingTopic{view: make(map[gossip.PeerID]string)}
}

func (r *recordingTopic) Publish(_ context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, append([]byte(nil), data...))
	return r.err
}

func (r *recordingTopic) AddPeer(id gossip.PeerID, addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.view[id]
	r.view[id] = addr
	return !known
}

func (r *recordingTopic) RemovePeer(id gossip.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.view[id]; !ok {
		return false
	}
	delete(r.view, id)
	r.removed = append(r.removed, id)
	return true
}

func (r *recordingTopic) has(id gossip.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.view[id]
	return ok
}

func (r *recordingTopic) publishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

// syncBuffer collects reports written from the dispatcher goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type fixture struct {
	d      *Dispatcher
	bus    *bus.Bus
	topic  *recordingTopic
	cache  *kv.Store
	static *discovery.Static
	out    *syncBuffer
	logs   *observer.ObservedLogs
	diag   *bus.Subscriber
}

const selfID gossip.PeerID = "zmselfselfselfselfself"

func newFixture(t *testing.T, busCapacity int) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	ids, err := idgen.New(1)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		bus:    bus.New(busCapacity, nil),
		topic:  newRecordingTopic(),
		cache:  kv.NewStore(1 << 20),
		static: discovery.NewStatic(),
		out:    &syncBuffer{},
		logs:   logs,
	}
	f.d = NewDispatcher(DispatcherDeps{
		Bus:       f.bus,
		Topic:     f.topic,
		Cache:     f.cache,
		IDs:       ids,
		Self:      selfID,
		Reachable: f.static.Reachable,
		Out:       f.out,
		Logger:    zap.New(core),
	})
	// a diagnostic listener sees the same traffic as the dispatcher
	f.diag = f.bus.Subscribe()
	return f
}

// drain returns everything the diagnostic subscriber has buffered.
func (f *fixture) drain(t *testing.T) []string {
	t.Helper()
	var out []string
	for {
		msg, err := f.diag.TryRecv()
		if errors.Is(err, bus.ErrEmpty) {
			return out
		}
		if err != nil {
			t.Fatalf("diag TryRecv: %v", err)
		}
		out = append(out, msg)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMalformedCommandsAreDiscarded(t *testing.T) {
	f := newFixture(t, 8)
	f.cache.Set("hostname", "zm-1")

	for _, line := range []string{"", " ", " id", " random", " swarm hi", "  cache_get 1 hostname"} {
		if err := f.d.Dispatch(context.Background(), line); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Dispatch(%q) = %v, want ErrMalformed", line, err)
		}
	}

	if n := f.topic.publishedCount(); n != 0 {
		t.Fatalf("published %d messages for malformed input", n)
	}
	if lines := f.out.Lines(); len(lines) != 0 {
		t.Fatalf("reported %v for malformed input", lines)
	}
	if msgs := f.drain(t); len(msgs) != 0 {
		t.Fatalf("bus got %v for malformed input", msgs)
	}
	if got := f.logs.FilterMessage("malformed command").Len(); got != 6 {
		t.Fatalf("logged %d malformed commands, want 6", got)
	}
}

func TestCacheGetHitRepliesOnce(t *testing.T) {
	f := newFixture(t, 8)
	f.cache.Set("hostname", "zm-node-1")

	if err := f.d.Dispatch(context.Background(), "cache_get 42 hostname"); err != nil {
		t.Fatal(err)
	}

	msgs := f.drain(t)
	if len(msgs) != 1 || msgs[0] != "cache_return 42 zm-node-1" {
		t.Fatalf("bus = %q, want exactly one cache_return", msgs)
	}
}

func TestCacheGetMissIsSilent(t *testing.T) {
	f := newFixture(t, 8)

	if err := f.d.Dispatch(context.Background(), "cache_get 42 hostname"); err != nil {
		t.Fatal(err)
	}

	if msgs := f.drain(t); len(msgs) != 0 {
		t.Fatalf("bus = %q, want no reply on miss", msgs)
	}
	misses := f.logs.FilterMessage("cache miss")
	if misses.Len() != 1 {
		t.Fatalf("logged %d misses, want 1", misses.Len())
	}
	entry := misses.All()[0]
	if entry.Level != zapcore.InfoLevel || entry.ContextMap()["key"] != "hostname" {
		t.Fatalf("miss log = %+v", entry)
	}
}

func TestCacheGetNeedsTwoArgs(t *testing.T) {
	f := newFixture(t, 8)
	f.cache.Set("hostname", "zm")

	for _, line := range []string{"cache_get", "cache_get 42", "cache_get 42 "} {
		if err := f.d.Dispatch(context.Background(), line); err != nil {
			t.Fatalf("Dispatch(%q) = %v", line, err)
		}
	}
	if msgs := f.drain(t); len(msgs) != 0 {
		t.Fatalf("bus = %q, want nothing", msgs)
	}
}

func TestSwarmPublishesRestVerbatim(t *testing.T) {
	f := newFixture(t, 8)

	cases := map[string]string{
		"swarm hello":                      "hello",
		"swarm hello world":                "hello world",
		"swarm  two  spaces ":              " two  spaces ",
		"swarm cache_get 7 hostname":       "cache_get 7 hostname",
		"swarm":                            "",
		"swarm ünicode ✓ payload": "ünicode ✓ payload",
	}
	for line, want := range cases {
		f.topic.published = nil
		if err := f.d.Dispatch(context.Background(), line); err != nil {
			t.Fatal(err)
		}
		if len(f.topic.published) != 1 {
			t.Fatalf("Dispatch(%q) published %d times", line, len(f.topic.published))
		}
		if got := f.topic.published[0]; !bytes.Equal(got, []byte(want)) {
			t.Fatalf("Dispatch(%q) published %q, want %q", line, got, want)
		}
	}
}

func TestSwarmPublishFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t, 8)
	f.topic.err = gossip.ErrNoPeers

	if err := f.d.Dispatch(context.Background(), "swarm hi"); err != nil {
		t.Fatalf("Dispatch = %v, want nil", err)
	}
	if f.topic.publishedCount() != 1 {
		t.Fatal("publish was retried or skipped")
	}
	if got := f.logs.FilterMessage("publish failed").FilterLevelExact(zapcore.WarnLevel).Len(); got != 1 {
		t.Fatalf("logged %d publish failures, want 1", got)
	}
}

func TestUnknownVerbIsIgnored(t *testing.T) {
	f := newFixture(t, 8)

	for _, line := range []string{"cache_return 42 zm", "cache_set k v", "help", "ID"} {
		if err := f.d.Dispatch(context.Background(), line); err != nil {
			t.Fatalf("Dispatch(%q) = %v, want nil", line, err)
		}
	}
	if f.topic.publishedCount() != 0 || len(f.out.Lines()) != 0 || len(f.drain(t)) != 0 {
		t.Fatal("unknown verb had an effect")
	}
	if got := f.logs.FilterLevelExact(zapcore.WarnLevel).Len() + f.logs.FilterLevelExact(zapcore.ErrorLevel).Len(); got != 0 {
		t.Fatalf("unknown verbs logged %d warnings/errors", got)
	}
}

func TestIDReportsSamePeerTwice(t *testing.T) {
	f := newFixture(t, 8)

	_ = f.d.Dispatch(context.Background(), "id")
	_ = f.d.Dispatch(context.Background(), "id")

	lines := f.out.Lines()
	if len(lines) != 2 || lines[0] != string(selfID) || lines[1] != lines[0] {
		t.Fatalf("reports = %q, want two identical %q", lines, selfID)
	}
}

func TestRandomReportsDistinctIncreasingIDs(t *testing.T) {
	f := newFixture(t, 8)

	_ = f.d.Dispatch(context.Background(), "random")
	_ = f.d.Dispatch(context.Background(), "random")

	lines := f.out.Lines()
	if len(lines) != 2 {
		t.Fatalf("reports = %q, want two", lines)
	}
	a, err1 := strconv.ParseUint(lines[0], 10, 64)
	b, err2 := strconv.ParseUint(lines[1], 10, 64)
	if err1 != nil || err2 != nil {
		t.Fatalf("reports not numeric: %q", lines)
	}
	if b <= a {
		t.Fatalf("second id %d not greater than first %d", b, a)
	}
}

func TestRunDispatchesBusAndNetwork(t *testing.T) {
	f := newFixture(t, 16)
	f.cache.Set("hostname", "zm-node-1")

	network := make(chan NetworkEvent)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx, network) }()

	tx := f.bus.Sender()
	if err := tx.Send("random"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "random report", func() bool { return len(f.out.Lines()) == 1 })

	// a command from the topic goes through the bus and is answered there
	network <- GossipEvent{gossip.Received{Source: "zmremote", Data: []byte("cache_get 7 hostname")}}
	var seen []string
	eventually(t, "cache_return on bus", func() bool {
		seen = append(seen, f.drain(t)...)
		return len(seen) >= 3
	})
	want := []string{"random", "cache_get 7 hostname", "cache_return 7 zm-node-1"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("bus traffic = %q, want %q", seen, want)
		}
	}

	network <- DiscoveryEvent{discovery.Event{Kind: discovery.Joined, Peer: "zmpeer", Addr: "10.0.0.2:4001"}}
	eventually(t, "peer in view", func() bool { return f.topic.has("zmpeer") })
	eventually(t, "member count", func() bool { return f.d.MemberCount() == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestRunSurvivesLag(t *testing.T) {
	f := newFixture(t, 2)
	tx := f.bus.Sender()
	for iter := 0; iter < 5; iter++ {
		if err := tx.Send("random"); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.d.Run(ctx, nil)

	eventually(t, "remaining commands", func() bool { return len(f.out.Lines()) == 2 })
	lag := f.logs.FilterMessage("command bus lagged")
	if lag.Len() != 1 || lag.All()[0].ContextMap()["dropped"] != uint64(3) {
		t.Fatalf("lag logs = %+v", lag.All())
	}
}

func TestRunStopsWhenBusCloses(t *testing.T) {
	f := newFixture(t, 4)
	done := make(chan error, 1)
	go func() { done <- f.d.Run(context.Background(), nil) }()

	f.bus.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after bus closed")
	}
}
