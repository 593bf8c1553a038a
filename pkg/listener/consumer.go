package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

const sourceQueue = "queue"

// ConsumerConfig configures a QueueConsumer.
type ConsumerConfig struct {
	// Owner identifies this consumer's leases. A random id is used when empty.
	Owner string

	// Batch is the maximum number of messages leased per poll.
	Batch int

	// Lease is how long a received message stays invisible to other consumers.
	Lease time.Duration

	// PollInterval is the wait between polls that returned nothing.
	PollInterval time.Duration

	// Backoff computes the nack delay from the delivery count.
	Backoff pipeline.Backoff
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Owner == "" {
		c.Owner = "consumer-" + uuid.NewString()
	}
	if c.Batch <= 0 {
		c.Batch = 16
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = pipeline.DefaultBackoff()
	}
}

// QueueConsumer is the pull backend. It leases messages from a Queue,
// submits them to a Dispatcher, and acknowledges each message once its
// handler has succeeded.
type QueueConsumer struct {
	cfg        ConsumerConfig
	queue      Queue
	dispatcher *Dispatcher
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

// NewQueueConsumer creates a consumer feeding d from q.
func NewQueueConsumer(cfg ConsumerConfig, q Queue, d *Dispatcher, t *telemetry.Telemetry) *QueueConsumer {
	cfg.applyDefaults()
	c := &QueueConsumer{
		cfg:        cfg,
		queue:      q,
		dispatcher: d,
		logger:     telemetry.Nop(),
		inflight:   make(map[int64]struct{}),
	}
	if t != nil {
		if t.Logger != nil {
			c.logger = t.Logger.NewComponentLogger("queue-consumer").WithField("owner", cfg.Owner)
		}
		c.metrics = t.Metrics
	}
	return c
}

// Run polls until ctx is cancelled, then waits for outstanding
// acknowledgements.
func (c *QueueConsumer) Run(ctx context.Context) error {
	c.logger.Infof("Consuming queue, batch %d, lease %s", c.cfg.Batch, c.cfg.Lease)
	defer c.wg.Wait()

	for {
		n, err := c.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("Queue poll failed")
		}

		wait := c.cfg.PollInterval
		if n > 0 && err == nil {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Poll leases one batch and submits it. It returns the number of messages
// submitted.
func (c *QueueConsumer) Poll(ctx context.Context) (int, error) {
	deliveries, err := c.queue.Receive(ctx, c.cfg.Owner, c.cfg.Batch, c.cfg.Lease)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, d := range deliveries {
		if !c.track(d.ID) {
			continue
		}
		d := d
		c.wg.Add(1)
		err := c.dispatcher.Submit(ctx, d.Event, func(herr error) {
			defer c.wg.Done()
			defer c.untrack(d.ID)
			c.settle(d, herr)
		})
		if err != nil {
			c.wg.Done()
			c.untrack(d.ID)
			if errors.Is(err, ErrDispatcherClosed) {
				return submitted, err
			}
			c.logger.WithError(err).Warnf("Failed to submit message %d", d.ID)
			continue
		}
		c.metrics.RecordEventIngested(sourceQueue, d.Event.Kind)
		submitted++
	}
	return submitted, nil
}

// settle acknowledges or releases a delivery. It uses its own context so
// the outcome is recorded even while the consumer is stopping.
func (c *QueueConsumer) settle(d Delivery, herr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := c.logger.WithWorkItem(d.Event.SessionKey.String())

	if herr == nil {
		if err := c.queue.Ack(ctx, d.ID, c.cfg.Owner); err != nil {
			log.WithError(err).Warnf("Failed to ack message %d", d.ID)
		}
		return
	}

	delay := c.cfg.Backoff.Delay(d.Attempts - 1)
	if err := c.queue.Nack(ctx, d.ID, c.cfg.Owner, delay); err != nil {
		log.WithError(err).Warnf("Failed to nack message %d", d.ID)
		return
	}
	log.Debugf("Message %d released for redelivery in %s", d.ID, delay)
}

func (c *QueueConsumer) track(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *QueueConsumer) untrack(id int64) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}
