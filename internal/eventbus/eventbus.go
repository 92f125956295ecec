// Package eventbus is an in-process typed pub/sub used to stream lifecycle, progress,
// solution and metrics events to the control surface. It replaces ad hoc listener
// add/remove pairs with explicit subscription handles: dropping the handle unsubscribes,
// no manual pairing required.
package eventbus

import (
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names the channel an event is published on.
type Topic string

const (
	TopicStatus              Topic = "status"
	TopicSolution            Topic = "solution"
	TopicStats               Topic = "stats"
	TopicError               Topic = "error"
	TopicMiningStart         Topic = "mining_start"
	TopicHashProgress        Topic = "hash_progress"
	TopicSolutionSubmit      Topic = "solution_submit"
	TopicSolutionResult      Topic = "solution_result"
	TopicRegistrationProgress Topic = "registration_progress"
	TopicWorkerUpdate        Topic = "worker_update"
	TopicChallengeRotated    Topic = "challenge_rotated"
	TopicStabilityCheck      Topic = "stability_check"
	TopicHashrateDropped     Topic = "hashrate_dropped"
)

// criticalTopics wait up to 2s for room in a full subscriber buffer instead of being
// dropped at once.
var criticalTopics = map[Topic]bool{
	TopicSolution:         true,
	TopicSolutionSubmit:   true,
	TopicSolutionResult:   true,
	TopicError:            true,
	TopicMiningStart:      true,
	TopicChallengeRotated: true,
}

// Event is the stable wire shape: every message carries a type and timestamp plus
// type-specific fields.
type Event struct {
	Type   string                 `json:"type"`
	Ts     time.Time              `json:"ts"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

const subscriberBuffer = 256

type subscriber struct {
	id     string
	topic  Topic
	ch     chan Event
	closed bool
}

// Subscription is a handle returned from Subscribe. Calling Unsubscribe (or letting the
// handle be garbage collected) releases the subscriber's buffer.
type Subscription struct {
	id    string
	topic Topic
	bus   *Bus
	C     <-chan Event
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

// Bus is the process-wide typed pub/sub. Zero value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic]map[string]*subscriber
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic]map[string]*subscriber)}
}

// Subscribe returns a Subscription whose channel receives events published on topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &subscriber{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscriber)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	h := &Subscription{id: sub.id, topic: topic, bus: b, C: sub.ch}
	runtime.SetFinalizer(h, (*Subscription).Unsubscribe)
	return h
}

func (b *Bus) unsubscribe(topic Topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[topic]; ok {
		if sub, ok := m[id]; ok && !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(m, id)
	}
}

// Publish fans an event out to every subscriber of topic. Non-critical topics drop the
// event for a subscriber whose buffer is full rather than block the publisher; for
// solution*, error, and lifecycle events Publish waits up to 2s per full subscriber, and
// drops the event for that subscriber if its buffer is still full after that.
func (b *Bus) Publish(topic Topic, evt Event) {
	if evt.Ts.IsZero() {
		evt.Ts = time.Now()
	}
	if evt.Type == "" {
		evt.Type = string(topic)
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	critical := criticalTopics[topic]
	for _, s := range subs {
		if critical {
			select {
			case s.ch <- evt:
			case <-time.After(2 * time.Second):
			}
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// drop-on-overflow for stats/hash_progress and similar non-critical channels
		}
	}
}

// SubscriberCount reports how many subscribers a topic currently has (status/debug use).
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
