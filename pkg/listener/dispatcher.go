package listener

import (
	"context"
	"errors"
	"sync"

	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// DefaultDedupWindow is the number of recently admitted dedup keys the
// dispatcher remembers.
const DefaultDedupWindow = 1024

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// AckFunc is called once per submitted event with the handler's result.
// Duplicates are acknowledged with nil without reaching the handler.
type AckFunc func(err error)

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedupWindow sets how many recent dedup keys are retained.
func WithDedupWindow(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.window = size
		}
	}
}

// WithDispatcherTelemetry sets the logger and metrics.
func WithDispatcherTelemetry(t *telemetry.Telemetry) DispatcherOption {
	return func(d *Dispatcher) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			d.logger = t.Logger.NewComponentLogger("dispatcher")
		}
		d.metrics = t.Metrics
	}
}

// Dispatcher hands events to a Handler with one sequential lane per session
// key and full concurrency across keys. Lanes are started on demand and
// exit once drained.
type Dispatcher struct {
	handler Handler
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	window  int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[pipeline.WorkItemID]*lane
	recent map[string]uint64
	ring   []ringSlot
	seq    uint64
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	queue []laneItem
}

type laneItem struct {
	ev  Event
	ack AckFunc
}

type ringSlot struct {
	key string
	seq uint64
}

// NewDispatcher creates a dispatcher delivering to h.
func NewDispatcher(h Handler, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler: h,
		logger:  telemetry.Nop(),
		window:  DefaultDedupWindow,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[pipeline.WorkItemID]*lane),
		recent:  make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.ring = make([]ringSlot, d.window)
	return d
}

// Submit admits ev into its session's lane. A duplicate of a recently
// admitted dedup key is dropped and acknowledged with nil.
func (d *Dispatcher) Submit(_ context.Context, ev Event, ack AckFunc) error {
	if ack == nil {
		ack = func(error) {}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if ev.DedupKey != "" {
		if _, dup := d.recent[ev.DedupKey]; dup {
			d.mu.Unlock()
			d.logger.WithWorkItem(ev.SessionKey.String()).Debugf("Dropping duplicate event %s", ev.DedupKey)
			d.metrics.RecordEventDuplicate("dispatcher")
			ack(nil)
			return nil
		}
		d.remember(ev.DedupKey)
	}

	l, running := d.lanes[ev.SessionKey]
	if !running {
		l = &lane{}
		d.lanes[ev.SessionKey] = l
		d.metrics.SetDispatcherLanes(len(d.lanes))
	}
	l.queue = append(l.queue, laneItem{ev: ev, ack: ack})
	if !running {
		d.wg.Add(1)
		go d.runLane(ev.SessionKey, l)
	}
	d.mu.Unlock()
	return nil
}

// remember records key in the window, evicting the oldest entry. d.mu must
// be held.
func (d *Dispatcher) remember(key string) {
	d.seq++
	slot := &d.ring[d.seq%uint64(len(d.ring))]
	if slot.key != "" && d.recent[slot.key] == slot.seq {
		delete(d.recent, slot.key)
	}
	slot.key, slot.seq = key, d.seq
	d.recent[key] = d.seq
}

// forget removes key so a redelivery is processed again.
func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.recent, key)
	d.mu.Unlock()
}

func (d *Dispatcher) runLane(key pipeline.WorkItemID, l *lane) {
	defer d.wg.Done()
	log := d.logger.WithWorkItem(key.String())

	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.metrics.SetDispatcherLanes(len(d.lanes))
			d.mu.Unlock()
			return
		}
		item := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		err := d.handle(item.ev)
		if err != nil {
			log.WithError(err).Warnf("Handler failed for %s event %s", item.ev.Kind, item.ev.DedupKey)
			if item.ev.DedupKey != "" {
				d.forget(item.ev.DedupKey)
			}
		}
		item.ack(err)
	}
}

func (d *Dispatcher) handle(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pipeline.Classify(errors.New("event handler panicked"))
		}
	}()
	return d.handler.Handle(d.ctx, ev)
}

// Lanes returns the number of sessions with queued or running events.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close stops admitting events and waits for the lanes to drain. When ctx
// ends first, the handler context is cancelled and Close returns ctx.Err().
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
