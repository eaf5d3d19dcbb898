// Package broadcaster fans out scheduler events to WebSocket and SSE
// subscribers.
package broadcaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/omegaup/autotest/autotest"
	"github.com/omegaup/autotest/common"
)

// A QueuedMessage is a message that may be broadcast to relevant Subscribers.
// It also performs latency analysis.
type QueuedMessage struct {
	time    time.Time
	metrics common.Metrics
	message *Message
}

// Processed signals that this message has been processed and has been enqueued
// in all the relevant Subscribers' queues.
func (m *QueuedMessage) Processed() {
	m.metrics.SummaryObserve("broadcaster_process_latency_seconds", time.Since(m.time).Seconds())
}

// Dispatched signals that this message has been dispatched. It is used to
// perform latency analysis.
func (m *QueuedMessage) Dispatched() {
	m.metrics.SummaryObserve("broadcaster_dispatch_latency_seconds", time.Since(m.time).Seconds())
}

// A Message is a message that will be broadcast to Subscribers.
type Message struct {
	Course  string
	Lane    string
	Message string
}

// NewEventMessage serializes a scheduler event into a Message.
func NewEventMessage(event *autotest.Event) (*Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &Message{
		Course:  event.CourseID,
		Lane:    event.Lane.String(),
		Message: string(payload),
	}, nil
}

// A Broadcaster can send messages to Subscribers.
type Broadcaster struct {
	ctx         *common.Context
	subscribers map[*Subscriber]struct{}
	messages    chan *QueuedMessage
	subscribe   chan *Subscriber
	unsubscribe chan *Subscriber
}

// NewBroadcaster returns a new Broadcaster.
func NewBroadcaster(ctx *common.Context) *Broadcaster {
	return &Broadcaster{
		ctx:         ctx,
		subscribers: make(map[*Subscriber]struct{}),
		messages:    make(chan *QueuedMessage, ctx.Config.Broadcaster.ChannelLength),
		subscribe:   make(chan *Subscriber, 5),
		unsubscribe: make(chan *Subscriber, 5),
	}
}

func (b *Broadcaster) remove(s *Subscriber) {
	delete(b.subscribers, s)
	close(s.send)
	b.ctx.Metrics.GaugeAdd(s.gaugeName(), -1)
}

// Run is the main Broadcaster loop. It listens for subscribe/unsubscribe
// events to manage the Subscribers, as well as new incoming messages that
// will be sent to all matching Subscribers. It returns when ctx is done,
// after removing all Subscribers.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for s := range b.subscribers {
				b.remove(s)
			}
			return

		case s := <-b.subscribe:
			b.subscribers[s] = struct{}{}
			b.ctx.Metrics.GaugeAdd(s.gaugeName(), 1)

		case s := <-b.unsubscribe:
			if _, ok := b.subscribers[s]; ok {
				b.remove(s)
			}

		case m := <-b.messages:
			b.ctx.Metrics.CounterAdd("broadcaster_messages_total", 1)
			for s := range b.subscribers {
				if !s.Matches(m.message) {
					continue
				}
				select {
				case s.send <- m:
				default:
					b.ctx.Metrics.CounterAdd("broadcaster_channel_drop_total", 1)
					b.ctx.Log.Error("Dropped message on subscriber", "subscriber", s)
					b.remove(s)
				}
			}
			m.Processed()
		}
	}
}

// Broadcast delivers the provided message to all matching Subscribers. It
// never blocks: the message is dropped if the Broadcaster is too busy.
func (b *Broadcaster) Broadcast(message *Message) bool {
	queuedMessage := &QueuedMessage{
		time:    time.Now(),
		metrics: b.ctx.Metrics,
		message: message,
	}
	select {
	case b.messages <- queuedMessage:
		return true

	default:
		queuedMessage.Processed()
		b.ctx.Metrics.CounterAdd("broadcaster_channel_drop_total", 1)
		b.ctx.Log.Error("Dropped broadcast message")
		return false
	}
}

// Listener returns an autotest.EventListener that broadcasts every event.
func (b *Broadcaster) Listener() autotest.EventListener {
	return func(event *autotest.Event) {
		message, err := NewEventMessage(event)
		if err != nil {
			b.ctx.Log.Error("Failed to serialize event", "event", event.Type, "err", err)
			return
		}
		b.Broadcast(message)
	}
}

// Subscribe adds one subscriber to the Broadcaster.
func (b *Broadcaster) Subscribe(subscriber *Subscriber) bool {
	select {
	case b.subscribe <- subscriber:
		return true

	default:
		b.ctx.Metrics.CounterAdd("broadcaster_channel_drop_total", 1)
		b.ctx.Log.Error("Dropped subscribe request", "subscriber", subscriber)
		return false
	}
}

// Unsubscribe removes one subscriber from the Broadcaster.
func (b *Broadcaster) Unsubscribe(subscriber *Subscriber) bool {
	select {
	case b.unsubscribe <- subscriber:
		return true

	default:
		b.ctx.Metrics.CounterAdd("broadcaster_channel_drop_total", 1)
		b.ctx.Log.Error("Dropped unsubscribe request", "subscriber", subscriber)
		return false
	}
}
