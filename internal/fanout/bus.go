// Package fanout is the in-process publish/subscribe bus between the
// writers and the delivery surfaces (WebSocket streams, webhook
// dispatcher). Topics are keyed by program id.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBacklog is the per-subscriber channel capacity.
const DefaultBacklog = 1000

// Message is one indexed-row notification. Subscribers receive messages
// for a program in the order the writer committed them.
type Message struct {
	ProgramID   string         `json:"program_id"`
	EventName   string         `json:"event_name"`
	Slot        uint64         `json:"slot"`
	TxSignature string         `json:"tx_signature"`
	Data        map[string]any `json:"data"`
	// Subscribers lists the tenant ids subscribed to this program,
	// attached by the writer from the active-subscription index.
	Subscribers []string  `json:"subscribers"`
	PublishedAt time.Time `json:"published_at"`
}

type subscriber struct {
	ch      chan Message
	dropped atomic.Int64
}

// Bus delivers messages to per-program subscriber sets. Publish never
// blocks: a subscriber whose backlog is full loses the message and the
// drop is counted.
type Bus struct {
	logger  zerolog.Logger
	backlog int

	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:  logger.With().Str("component", "fanout").Logger(),
		backlog: DefaultBacklog,
		topics:  make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers a consumer for one program's messages. The
// returned cancel function is idempotent and closes the channel.
func (b *Bus) Subscribe(programID string) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, b.backlog)}

	b.mu.Lock()
	set, ok := b.topics[programID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.topics[programID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.topics[programID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.topics, programID)
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish sends msg to every subscriber of its program topic without
// blocking. Slow subscribers miss messages; publish order is the
// arrival order per program.
func (b *Bus) Publish(msg Message) {
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[msg.ProgramID] {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
			if sub.dropped.Add(1)%100 == 1 {
				b.logger.Warn().
					Str("program", msg.ProgramID).
					Int64("dropped", sub.dropped.Load()).
					Msg("subscriber backlog full, dropping messages")
			}
		}
	}
}

// Stats reports lifetime publish and drop counts.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Subscribers returns the current subscriber count for a program.
func (b *Bus) Subscribers(programID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[programID])
}
