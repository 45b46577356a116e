package broker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/VanDung-dev/ParkGate-Engine/message"
)

var quiet = log.New(io.Discard, "", 0)

type scriptedHandler struct {
	mu       sync.Mutex
	seen     []message.Message
	outcomes []message.Outcome
	fail     error
}

func (h *scriptedHandler) Process(msg message.Message) (message.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seen = append(h.seen, msg)
	if h.fail != nil {
		return message.Outcome{}, h.fail
	}
	if len(h.outcomes) == 0 {
		return message.Outcome{}, nil
	}
	out := h.outcomes[0]
	h.outcomes = h.outcomes[1:]
	return out, nil
}

func (h *scriptedHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

type countingObserver struct {
	mu       sync.Mutex
	inbound  int
	outbound int
	failures []error
}

func (o *countingObserver) ObserveInbound(message.Message) {
	o.mu.Lock()
	o.inbound++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveOutbound(message.Network) {
	o.mu.Lock()
	o.outbound++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveFailure(err error) {
	o.mu.Lock()
	o.failures = append(o.failures, err)
	o.mu.Unlock()
}

func node(id int) message.NodeIdentity {
	return message.NewIdentity(id, "127.0.0.1", 9000+id, id)
}

func send(t message.Type, from, to int) message.Network {
	return message.NewNetwork(t, node(from), node(to), message.Payload{})
}

func waitDone(t *testing.T, b *Broker) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for broker to stop")
	}
}

func TestPassingMessages(t *testing.T) {
	out1, out2, out3 := send(message.Hey, 1, 100), send(message.Hey, 1, 200), send(message.Hey, 1, 300)
	h := &scriptedHandler{outcomes: []message.Outcome{
		{Outbound: []message.Network{out1, out2}},
		{Outbound: []message.Network{out3}},
		{Stop: true},
	}}

	obs := &countingObserver{}
	b := New("test", WithLogger(quiet), WithObserver(obs))
	b.EnqueueInbound(send(message.Hello, 100, 1))
	b.EnqueueInbound(send(message.Hello, 200, 1))
	b.EnqueueInbound(message.NewLocal(message.Terminate, message.Payload{}))

	if err := b.Start(context.Background(), h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, b)
	if err := b.Err(); err != nil {
		t.Fatalf("Broker failed: %v", err)
	}

	var got []message.Network
	for {
		m, ok := b.TryDequeueOutbound()
		if !ok {
			break
		}
		got = append(got, m)
		b.AckOutbound()
	}
	if diff := cmp.Diff([]message.Network{out1, out2, out3}, got); diff != "" {
		t.Errorf("Outbound mismatch (-want +got):\n%s", diff)
	}

	if obs.inbound != 3 || obs.outbound != 3 {
		t.Errorf("Observer saw %d in, %d out", obs.inbound, obs.outbound)
	}

	stats := b.Stats()
	if stats.Processed != 3 || stats.Published != 3 || stats.Running {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestStopAbandonsQueuedMessages(t *testing.T) {
	h := &scriptedHandler{outcomes: []message.Outcome{{Stop: true}}}
	b := New("test", WithLogger(quiet))

	b.EnqueueInbound(message.NewLocal(message.Terminate, message.Payload{}))
	b.EnqueueInbound(send(message.Hello, 2, 1))
	b.EnqueueInbound(send(message.Hello, 3, 1))

	if err := b.Run(context.Background(), h); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if h.count() != 1 {
		t.Errorf("Expected one processed message, got %d", h.count())
	}
	if stats := b.Stats(); stats.Inbound != 2 {
		t.Errorf("Expected 2 abandoned messages, got %d", stats.Inbound)
	}
}

func TestProcessingErrorStopsLoop(t *testing.T) {
	failure := errors.New("boom")
	h := &scriptedHandler{fail: failure}
	obs := &countingObserver{}
	b := New("test", WithLogger(quiet), WithObserver(obs))

	b.EnqueueInbound(send(message.Hello, 2, 1))
	b.EnqueueInbound(send(message.Hello, 3, 1))

	if err := b.Start(context.Background(), h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, b)

	if !errors.Is(b.Err(), failure) {
		t.Errorf("Expected handler error, got %v", b.Err())
	}
	if h.count() != 1 {
		t.Errorf("Loop should stop after the first failure, processed %d", h.count())
	}
	if len(obs.failures) != 1 {
		t.Errorf("Expected one observed failure, got %v", obs.failures)
	}
	if b.Stats().Failed != 1 {
		t.Errorf("Expected failed count 1, got %d", b.Stats().Failed)
	}
}

func TestRunCancelled(t *testing.T) {
	b := New("test", WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())

	if err := b.Start(ctx, &scriptedHandler{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Start(ctx, &scriptedHandler{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	waitDone(t, b)
	if !errors.Is(b.Err(), context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", b.Err())
	}
}

func TestWaitOutbound(t *testing.T) {
	h := &scriptedHandler{outcomes: []message.Outcome{
		{Outbound: []message.Network{send(message.Hey, 1, 2), send(message.Hey, 1, 3)}, Stop: true},
	}}
	b := New("test", WithLogger(quiet))
	b.EnqueueInbound(send(message.Hello, 2, 1))

	if err := b.Run(context.Background(), h); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.WaitOutbound(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait should block while messages are unacknowledged, got %v", err)
	}

	go func() {
		for i := 0; i < 2; i++ {
			if _, err := b.DequeueOutbound(context.Background()); err == nil {
				b.AckOutbound()
			}
		}
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := b.WaitOutbound(ctx2); err != nil {
		t.Errorf("WaitOutbound failed: %v", err)
	}
}

func TestConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 250

	h := &scriptedHandler{}
	b := New("test", WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx, h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.EnqueueInbound(send(message.Hey, p, i))
			}
		}(p)
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	for h.count() < producers*perProducer {
		select {
		case <-deadline:
			t.Fatalf("Processed %d of %d messages", h.count(), producers*perProducer)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Per-producer order is preserved.
	next := make(map[int]int)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, msg := range h.seen {
		m := msg.(message.Network)
		if m.Recipient.ID != next[m.Sender.ID] {
			t.Fatalf("Producer %d: expected sequence %d, got %d", m.Sender.ID, next[m.Sender.ID], m.Recipient.ID)
		}
		next[m.Sender.ID]++
	}
}

func BenchmarkBroker(b *testing.B) {
	h := &scriptedHandler{}
	br := New("bench", WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = br.Start(ctx, h)

	msg := send(message.Hello, 1, 2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		br.EnqueueInbound(msg)
	}
}
