package broadcaster

import (
	"fmt"
	"strings"
	"time"

	"github.com/omegaup/autotest/common"
)

// A Subscriber represents a client that wishes to receive scheduler events.
type Subscriber struct {
	filters []Filter

	ctx       *common.Context
	close     chan struct{}
	send      chan *QueuedMessage
	transport Transport
}

// NewSubscriber creates a new Subscriber. filterString is a comma-separated
// list of filters, and the Subscriber receives the messages that match any of
// them.
func NewSubscriber(
	ctx *common.Context,
	filterString string,
	transport Transport,
) (*Subscriber, error) {
	s := &Subscriber{
		ctx:       ctx,
		filters:   make([]Filter, 0),
		close:     make(chan struct{}),
		send:      make(chan *QueuedMessage, ctx.Config.Broadcaster.ChannelLength),
		transport: transport,
	}

	for _, filter := range strings.Split(filterString, ",") {
		f, err := NewFilter(filter)
		if err != nil {
			return nil, err
		}
		s.filters = append(s.filters, f)
	}

	return s, nil
}

func (s *Subscriber) String() string {
	return fmt.Sprintf("{transport=%s filters=%v}", s.transport, s.filters)
}

func (s *Subscriber) gaugeName() string {
	return fmt.Sprintf("broadcaster_%s_count", strings.ToLower(s.transport.String()))
}

// Matches returns whether the provided message should be sent to the current
// subscriber.
func (s *Subscriber) Matches(msg *Message) bool {
	for _, filter := range s.filters {
		if filter.Matches(msg) {
			return true
		}
	}
	return false
}

// Run loops waiting for one of three events to happen: connection closure, a
// new message is ready to be delivered to this subscriber, and periodic ping
// ticks.
func (s *Subscriber) Run() {
	s.transport.Init(s.close)
	go s.transport.ReadLoop()

	ticker := time.NewTicker(time.Duration(s.ctx.Config.Broadcaster.PingPeriod))
	defer func() {
		ticker.Stop()
		s.ctx.Log.Info(
			"Subscriber gone",
			"transport", s.transport,
			"filters", s.filters,
		)
	}()

	s.ctx.Log.Info(
		"New subscriber",
		"transport", s.transport,
		"filters", s.filters,
	)
	for {
		select {
		case <-s.close:
			return

		case message, ok := <-s.send:
			if !ok {
				s.transport.Close()
				return
			}
			if err := s.transport.Send(message); err != nil {
				s.ctx.Log.Error("Error sending message", "err", err)
				return
			}

		case <-ticker.C:
			if err := s.transport.Ping(); err != nil {
				s.ctx.Log.Error("Write error", "err", err)
				return
			}
		}
	}
}
