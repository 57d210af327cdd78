// Package nsqbus relays messages over NSQ.
//
// Each relay channel maps to an NSQ topic of the same name. A subscriber
// consumes it through an ephemeral NSQ channel named after the node, so
// every node sees every message and nothing is persisted for departed
// nodes. NSQ does not guarantee ordering; a single nsqd with MaxInFlight 1
// keeps one topic in publish order in practice.
package nsqbus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nsqio/go-nsq"
	"go.uber.org/zap"

	"github.com/austindbirch/task_relay/internal/pubsub"
)

const maxNameLen = 64

// Config locates nsqd for publishing and discovery for consuming
type Config struct {
	NsqdTCPAddr string
	// LookupHTTPAddrs, when set, are used for consumer discovery instead of
	// connecting straight to NsqdTCPAddr
	LookupHTTPAddrs []string
	// NodeID names this node's ephemeral consumer channel
	NodeID string
}

// Broker publishes through one nsq.Producer
type Broker struct {
	cfg      Config
	producer *nsq.Producer
	logger   *zap.Logger
	closed   atomic.Bool
}

var _ pubsub.Broker = (*Broker)(nil)

func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.NsqdTCPAddr == "" {
		return nil, errors.New("nsqbus: nsqd address is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("nsqbus: node id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nsq")

	producer, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(zapAdapter{logger}, nsq.LogLevelWarning)
	return &Broker{cfg: cfg, producer: producer, logger: logger}, nil
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.closed.Load() {
		return pubsub.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !nsq.IsValidTopicName(channel) {
		return fmt.Errorf("nsqbus: invalid topic name %q", channel)
	}
	return b.producer.Publish(channel, payload)
}

func (b *Broker) NewSubscriber(ctx context.Context) (pubsub.Subscriber, error) {
	if b.closed.Load() {
		return nil, pubsub.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &subscriber{
		cfg:       b.cfg,
		logger:    b.logger,
		channel:   ConsumerChannel(b.cfg.NodeID),
		inbox:     pubsub.NewInbox(),
		consumers: make(map[string]*nsq.Consumer),
	}, nil
}

// Ping checks the producer's nsqd connection
func (b *Broker) Ping(_ context.Context) error {
	return b.producer.Ping()
}

func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.producer.Stop()
	return nil
}

var invalidChannelChars = regexp.MustCompile(`[^.a-zA-Z0-9_-]`)

// ConsumerChannel derives a valid ephemeral NSQ channel name from a node id
func ConsumerChannel(nodeID string) string {
	const suffix = "#ephemeral"
	name := invalidChannelChars.ReplaceAllString(nodeID, "_")
	if limit := maxNameLen - len(suffix); len(name) > limit {
		name = name[:limit]
	}
	if name == "" {
		name = "node"
	}
	return name + suffix
}

type subscriber struct {
	cfg     Config
	logger  *zap.Logger
	channel string
	inbox   *pubsub.Inbox

	mu        sync.Mutex
	consumers map[string]*nsq.Consumer
	closed    bool
}

func (s *subscriber) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pubsub.ErrClosed
	}
	for _, topic := range channels {
		if _, ok := s.consumers[topic]; ok {
			continue
		}
		c, err := s.connect(topic)
		if err != nil {
			return err
		}
		s.consumers[topic] = c
	}
	return nil
}

func (s *subscriber) connect(topic string) (*nsq.Consumer, error) {
	if !nsq.IsValidTopicName(topic) {
		return nil, fmt.Errorf("nsqbus: invalid topic name %q", topic)
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = 1
	c, err := nsq.NewConsumer(topic, s.channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", topic, err)
	}
	c.SetLogger(zapAdapter{s.logger.With(zap.String("topic", topic))}, nsq.LogLevelWarning)
	c.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		s.inbox.Push(pubsub.Message{Channel: topic, Payload: m.Body})
		return nil
	}))

	if len(s.cfg.LookupHTTPAddrs) > 0 {
		err = c.ConnectToNSQLookupds(s.cfg.LookupHTTPAddrs)
	} else {
		err = c.ConnectToNSQD(s.cfg.NsqdTCPAddr)
	}
	if err != nil {
		c.Stop()
		<-c.StopChan
		return nil, fmt.Errorf("nsq connect %s: %w", topic, err)
	}
	return c, nil
}

func (s *subscriber) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pubsub.ErrClosed
	}
	stopping := make([]*nsq.Consumer, 0, len(channels))
	for _, topic := range channels {
		if c, ok := s.consumers[topic]; ok {
			stopping = append(stopping, c)
			delete(s.consumers, topic)
		}
	}
	s.mu.Unlock()

	stopAll(stopping)
	s.inbox.Drop(channels...)
	return nil
}

func (s *subscriber) Receive(ctx context.Context) (pubsub.Message, error) {
	return s.inbox.Next(ctx)
}

func (s *subscriber) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.consumers))
	for topic := range s.consumers {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopping := make([]*nsq.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		stopping = append(stopping, c)
	}
	s.consumers = nil
	s.mu.Unlock()

	stopAll(stopping)
	s.inbox.Close()
	return nil
}

func stopAll(consumers []*nsq.Consumer) {
	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		<-c.StopChan
	}
}

// zapAdapter satisfies go-nsq's logger interface
type zapAdapter struct {
	l *zap.Logger
}

// Output routes go-nsq's level-prefixed lines ("INF", "WRN", "ERR") to zap
func (a zapAdapter) Output(_ int, s string) error {
	level, msg, _ := strings.Cut(s, " ")
	msg = strings.TrimSpace(msg)
	switch level {
	case "ERR":
		a.l.Error(msg)
	case "WRN":
		a.l.Warn(msg)
	case "INF":
		a.l.Info(msg)
	default:
		a.l.Debug(s)
	}
	return nil
}
