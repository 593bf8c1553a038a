package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

// recordingHandler records events per session in handling order.
type recordingHandler struct {
	mu      sync.Mutex
	seen    map[pipeline.WorkItemID][]string
	failOn  map[string]int
	delay   time.Duration
	active  map[pipeline.WorkItemID]int
	overlap bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		seen:   make(map[pipeline.WorkItemID][]string),
		failOn: make(map[string]int),
		active: make(map[pipeline.WorkItemID]int),
	}
}

func (h *recordingHandler) Handle(_ context.Context, ev Event) error {
	h.mu.Lock()
	h.active[ev.SessionKey]++
	if h.active[ev.SessionKey] > 1 {
		h.overlap = true
	}
	h.mu.Unlock()

	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[ev.SessionKey]--
	if n := h.failOn[ev.DedupKey]; n > 0 {
		h.failOn[ev.DedupKey] = n - 1
		return errors.New("handler failed")
	}
	h.seen[ev.SessionKey] = append(h.seen[ev.SessionKey], ev.DedupKey)
	return nil
}

func (h *recordingHandler) events(key pipeline.WorkItemID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen[key]...)
}

func testEvent(key pipeline.WorkItemID, dedup string) Event {
	return Event{SessionKey: key, DedupKey: dedup, Kind: "issues", Payload: []byte(`{}`)}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDispatcher_PreservesOrderPerKey(t *testing.T) {
	h := newRecordingHandler()
	h.delay = time.Millisecond
	d := NewDispatcher(h)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		for _, key := range []pipeline.WorkItemID{1, 2, 3} {
			if err := d.Submit(ctx, testEvent(key, fmt.Sprintf("%d-%02d", key, i)), nil); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
		}
	}
	closeDispatcher(t, d)

	if h.overlap {
		t.Error("events of one key were handled concurrently")
	}
	for _, key := range []pipeline.WorkItemID{1, 2, 3} {
		got := h.events(key)
		if len(got) != 20 {
			t.Fatalf("key %d: handled %d events, want 20", key, len(got))
		}
		for i, id := range got {
			if want := fmt.Sprintf("%d-%02d", key, i); id != want {
				t.Errorf("key %d position %d = %s, want %s", key, i, id, want)
			}
		}
	}
	if d.Lanes() != 0 {
		t.Errorf("Lanes() = %d after drain, want 0", d.Lanes())
	}
}

func TestDispatcher_RunsKeysConcurrently(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32
	both := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, ev Event) error {
		if running.Add(1) == 2 {
			close(both)
		}
		<-release
		return nil
	})
	d := NewDispatcher(h)

	_ = d.Submit(context.Background(), testEvent(1, "a"), nil)
	_ = d.Submit(context.Background(), testEvent(2, "b"), nil)

	select {
	case <-both:
	case <-time.After(5 * time.Second):
		t.Fatal("second key blocked behind the first")
	}
	close(release)
	closeDispatcher(t, d)
}

func TestDispatcher_DropsDuplicates(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h)
	ctx := context.Background()

	var acks atomic.Int32
	ack := func(err error) {
		if err == nil {
			acks.Add(1)
		}
	}
	for i := 0; i < 3; i++ {
		if err := d.Submit(ctx, testEvent(7, "delivery-1"), ack); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	closeDispatcher(t, d)

	if got := h.events(7); len(got) != 1 {
		t.Errorf("handled %v, want one event", got)
	}
	if acks.Load() != 3 {
		t.Errorf("acks = %d, want 3", acks.Load())
	}
}

func TestDispatcher_FailedEventIsForgotten(t *testing.T) {
	h := newRecordingHandler()
	h.failOn["delivery-1"] = 1
	d := NewDispatcher(h)
	ctx := context.Background()

	errs := make(chan error, 2)
	ack := func(err error) { errs <- err }

	_ = d.Submit(ctx, testEvent(7, "delivery-1"), ack)
	if err := <-errs; err == nil {
		t.Fatal("first delivery ack = nil, want handler error")
	}

	_ = d.Submit(ctx, testEvent(7, "delivery-1"), ack)
	if err := <-errs; err != nil {
		t.Fatalf("redelivery ack = %v, want nil", err)
	}
	closeDispatcher(t, d)

	if got := h.events(7); len(got) != 1 {
		t.Errorf("handled %v, want the redelivered event once", got)
	}
}

func TestDispatcher_WindowIsBounded(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h, WithDedupWindow(2))
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "a"} {
		_ = d.Submit(ctx, testEvent(1, key), nil)
	}
	closeDispatcher(t, d)

	got := h.events(1)
	if len(got) != 4 {
		t.Errorf("handled %v, want a to be admitted again after eviction", got)
	}
	if len(d.recent) > 2 {
		t.Errorf("window holds %d keys, want <= 2", len(d.recent))
	}
}

func TestDispatcher_SubmitAfterClose(t *testing.T) {
	d := NewDispatcher(newRecordingHandler())
	closeDispatcher(t, d)
	if err := d.Submit(context.Background(), testEvent(1, "x"), nil); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Submit() error = %v, want ErrDispatcherClosed", err)
	}
}
