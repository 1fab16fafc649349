package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys for scheduling events
const (
	KeyAppointmentCreated       = "appointment.created"
	KeyAppointmentStatusChanged = "appointment.status_changed"
	KeyReminderFired            = "reminder.fired"
)

const (
	dialTimeout   = 5 * time.Second
	redialBackoff = 5 * time.Second
	heartbeat     = 10 * time.Second
)

// ErrPublisherClosed is returned by PublishJSON after Close
var ErrPublisherClosed = errors.New("publisher closed")

// EventPublisher emits domain events to interested consumers
type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
	Close() error
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one broker connection with its publishing channel. closed is
// the connection's NotifyClose channel.
type session struct {
	conn   io.Closer
	ch     amqpChannel
	closed <-chan *amqp.Error
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	_ = s.ch.Close()
	_ = s.conn.Close()
}

type dialFunc func() (*session, error)

// Publisher publishes JSON messages to a topic exchange. A connection lost
// to a broker restart is redialed on the next publish.
type Publisher struct {
	mu       sync.Mutex
	dial     dialFunc
	sess     *session
	exchange string
	closed   bool

	now      func() time.Time
	backoff  time.Duration
	lastFail time.Time
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	return newPublisher(dialAMQP(url, exchange), exchange)
}

func newPublisher(dial dialFunc, exchange string) (*Publisher, error) {
	sess, err := dial()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		dial:     dial,
		sess:     sess,
		exchange: exchange,
		now:      time.Now,
		backoff:  redialBackoff,
	}, nil
}

func dialAMQP(url, exchange string) dialFunc {
	return func() (*session, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Dial:      amqp.DefaultDial(dialTimeout),
			Heartbeat: heartbeat,
			Locale:    "en_US",
		})
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange: %w", err)
		}
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		return &session{conn: conn, ch: ch, closed: closed}, nil
	}
}

// PublishJSON marshals v and publishes it as a persistent message.
// amqp channels are not safe for concurrent publishing.
func (p *Publisher) PublishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         b,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	// a channel closed under us gets one redial and retry
	for attempt := 0; ; attempt++ {
		sess, err := p.session()
		if err != nil {
			return err
		}

		err = sess.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
		if err == nil {
			return nil
		}
		if attempt > 0 || !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("publish %s: %w", key, err)
		}
		p.drop()
	}
}

// session returns the live session, redialing when the previous one closed.
// Must be called with p.mu held.
func (p *Publisher) session() (*session, error) {
	if p.sess != nil {
		if !p.sess.isClosed() {
			return p.sess, nil
		}
		p.drop()
	}

	if !p.lastFail.IsZero() && p.now().Sub(p.lastFail) < p.backoff {
		return nil, fmt.Errorf("rabbitmq unavailable, next redial after %s", p.lastFail.Add(p.backoff).Format(time.RFC3339))
	}

	sess, err := p.dial()
	if err != nil {
		p.lastFail = p.now()
		return nil, fmt.Errorf("reconnect rabbitmq: %w", err)
	}
	p.lastFail = time.Time{}
	p.sess = sess
	return sess, nil
}

func (p *Publisher) drop() {
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.sess == nil {
		return nil
	}
	_ = p.sess.ch.Close()
	err := p.sess.conn.Close()
	p.sess = nil
	return err
}

// NoopPublisher discards every event; used when messaging is disabled
type NoopPublisher struct{}

func (NoopPublisher) PublishJSON(context.Context, string, any) error { return nil }

func (NoopPublisher) Close() error { return nil }
