package stores

import (
	"errors"
	"time"
)

// ErrLeaseLost is returned by Ack and Nack when the message is no longer
// leased by the caller.
var ErrLeaseLost = errors.New("queue lease lost")

// DefaultMaxDeliveries is the delivery count after which a message is
// dead-lettered.
const DefaultMaxDeliveries = 5

// DefaultDedupRetention is how long acknowledged dedup keys are remembered.
const DefaultDedupRetention = 24 * time.Hour

// QueueConfig holds settings shared by the queue backends.
type QueueConfig struct {
	// MaxDeliveries is the number of leases a message gets before it is
	// dead-lettered.
	MaxDeliveries int

	// DedupRetention is how long an acknowledged message still blocks a
	// new message with the same dedup key.
	DedupRetention time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.DedupRetention <= 0 {
		c.DedupRetention = DefaultDedupRetention
	}
	return c
}

// QueueDepth counts queue messages by state.
type QueueDepth struct {
	Pending      int64 `json:"pending"`
	Leased       int64 `json:"leased"`
	DeadLettered int64 `json:"dead_lettered"`
}

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	ID         int64     `json:"id"`
	SessionKey uint64    `json:"session_key"`
	DedupKey   string    `json:"dedup_key"`
	Kind       string    `json:"kind"`
	Attempts   int       `json:"attempts"`
	DeadAt     time.Time `json:"dead_at"`
}
