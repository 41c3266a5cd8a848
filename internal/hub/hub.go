// Package hub is a topic based publish/subscribe broker for task progress and
// status events. Delivery is best effort to the subscribers present at the
// time of Publish: nothing is stored and nothing is replayed.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/google/uuid"
)

type Topic string

const (
	GlobalStatus Topic = "global-status"
	taskPrefix         = "task:"
)

func TaskTopic(taskID string) Topic {
	return Topic(taskPrefix + taskID)
}

// TaskID returns the task of a task:<id> topic.
func (t Topic) TaskID() (string, bool) {
	id, ok := strings.CutPrefix(string(t), taskPrefix)
	return id, ok && id != ""
}

// ParseTopic accepts global-status and task:<id>.
func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if t == GlobalStatus {
		return t, nil
	}
	if _, ok := t.TaskID(); ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown topic %q, expected %s or %s<id>", s, GlobalStatus, taskPrefix)
}

var (
	// ErrSinkClosed makes the hub drop the subscription.
	ErrSinkClosed = errors.New("sink closed")
	// ErrSinkFull means the event was dropped for a slow subscriber.
	ErrSinkFull = errors.New("sink full")
)

// Sink receives events. Send is called from the publishing goroutine and
// must not block.
type Sink interface {
	Send(model.Event) error
}

type SinkFunc func(model.Event) error

func (f SinkFunc) Send(ev model.Event) error { return f(ev) }

type subscription struct {
	id   string
	sink Sink
}

type Hub struct {
	mx     sync.RWMutex
	topics map[Topic]map[string]Sink
	subs   map[string]Topic
}

func New() *Hub {
	return &Hub{
		topics: make(map[Topic]map[string]Sink),
		subs:   make(map[string]Topic),
	}
}

// Subscribe registers the sink and returns the subscription id.
func (h *Hub) Subscribe(topic Topic, sink Sink) string {
	id := uuid.NewString()
	h.mx.Lock()
	defer h.mx.Unlock()
	sinks, ok := h.topics[topic]
	if !ok {
		sinks = make(map[string]Sink)
		h.topics[topic] = sinks
	}
	sinks[id] = sink
	h.subs[id] = topic
	return id
}

// Unsubscribe removes a subscription, false if it does not exist.
func (h *Hub) Unsubscribe(id string) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.unsubscribe(id)
}

func (h *Hub) unsubscribe(id string) bool {
	topic, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	sinks := h.topics[topic]
	delete(sinks, id)
	if len(sinks) == 0 {
		delete(h.topics, topic)
	}
	return true
}

// Publish delivers the event to every current subscriber of the topic and
// returns the number of successful deliveries. Subscriptions of closed sinks
// are dropped.
func (h *Hub) Publish(ctx context.Context, topic Topic, ev model.Event) int {
	ev.Topic = string(topic)

	h.mx.RLock()
	targets := make([]subscription, 0, len(h.topics[topic]))
	for id, sink := range h.topics[topic] {
		targets = append(targets, subscription{id: id, sink: sink})
	}
	h.mx.RUnlock()

	var delivered int
	var dead []string
	for _, s := range targets {
		ev.SubscriptionID = s.id
		err := s.sink.Send(ev)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSinkClosed):
			dead = append(dead, s.id)
		default:
			slog.DebugContext(ctx, "event not delivered", "topic", topic, "subscription", s.id, "error", err)
		}
	}

	if len(dead) > 0 {
		h.mx.Lock()
		for _, id := range dead {
			h.unsubscribe(id)
		}
		h.mx.Unlock()
	}
	return delivered
}

// Subscribers returns the number of subscriptions of a topic.
func (h *Hub) Subscribers(topic Topic) int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.topics[topic])
}

// ChanSink is a buffered channel sink, events which do not fit into the
// buffer are dropped.
type ChanSink struct {
	mx     sync.Mutex
	ch     chan model.Event
	closed bool
}

func NewChanSink(size int) *ChanSink {
	return &ChanSink{ch: make(chan model.Event, size)}
}

func (s *ChanSink) Send(ev model.Event) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// C returns the channel of received events, it's closed by Close.
func (s *ChanSink) C() <-chan model.Event {
	return s.ch
}

func (s *ChanSink) Close() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
