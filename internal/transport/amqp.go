// Package transport delivers assignments to remote workers over AMQP.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Name is the transport name workers announce in heartbeats.
const Name = "amqp"

// DefaultQueuePrefix is prepended to worker ids to name assignment queues.
const DefaultQueuePrefix = "taskengine.assign"

const defaultReconnectTimeout = 2 * time.Second

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New("amqp transport closed")

// QueueName returns the queue carrying assignments for one worker.
func QueueName(prefix, workerID string) string {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return prefix + "." + workerID
}

// PublisherConfig configures the engine side of the transport.
type PublisherConfig struct {
	URL              string
	QueuePrefix      string
	TTL              time.Duration // Assignments expire unread after this long (0 keeps them)
	ReconnectTimeout time.Duration // Longest one delivery waits for a lost broker (default 2s)
}

// amqpChannel is the part of *amqp.Channel the transport uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// dialFunc opens a connection and a channel on it.
type dialFunc func() (io.Closer, amqpChannel, error)

func dialBroker(url string) dialFunc {
	return func() (io.Closer, amqpChannel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to broker: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("opening channel: %w", err)
		}
		return conn, ch, nil
	}
}

// Publisher publishes assignments to per-worker queues. It implements
// engine.Transport. A lost connection is redialed by the next Deliver.
type Publisher struct {
	cfg  PublisherConfig
	dial dialFunc

	mu       sync.Mutex // Guards everything below; amqp channels are not safe for concurrent use
	conn     io.Closer
	ch       amqpChannel
	lost     chan *amqp.Error // Fires when the channel or its connection shuts down
	declared map[string]bool
	closed   bool
}

var _ engine.Transport = (*Publisher)(nil)

// DialPublisher connects to the broker.
func DialPublisher(cfg PublisherConfig) (*Publisher, error) {
	p := newPublisher(cfg, dialBroker(cfg.URL))
	if err := p.connect(); err != nil {
		return nil, err
	}
	log.Printf("Connected to AMQP broker, publishing to %s.*", orDefault(cfg.QueuePrefix))
	return p, nil
}

func newPublisher(cfg PublisherConfig, dial dialFunc) *Publisher {
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = defaultReconnectTimeout
	}
	return &Publisher{cfg: cfg, dial: dial}
}

// connect opens a fresh session. Queues are declared again on it.
func (p *Publisher) connect() error {
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	p.conn = conn
	p.ch = ch
	p.lost = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.declared = make(map[string]bool)
	return nil
}

// healthy reports whether the current session is still open.
func (p *Publisher) healthy() bool {
	if p.ch == nil {
		return false
	}
	select {
	case err := <-p.lost:
		log.Printf("WARNING: AMQP connection lost: %v", err)
		p.drop()
		return false
	default:
		return true
	}
}

// drop abandons the current session.
func (p *Publisher) drop() {
	if p.ch == nil {
		return
	}
	_ = p.ch.Close()
	_ = p.conn.Close()
	p.conn, p.ch, p.lost = nil, nil, nil
}

// reconnect redials with backoff until the reconnect timeout or ctx ends.
func (p *Publisher) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = p.cfg.ReconnectTimeout
	if err := backoff.Retry(p.connect, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("reconnecting to broker: %w", err)
	}
	log.Printf("Reconnected to AMQP broker")
	return nil
}

// Deliver publishes the assignment to its worker's queue.
func (p *Publisher) Deliver(ctx context.Context, a engine.Assignment) error {
	msg, err := encode(a, p.cfg.TTL)
	if err != nil {
		return err
	}
	queue := QueueName(p.cfg.QueuePrefix, a.WorkerID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.healthy() {
		if err := p.reconnect(ctx); err != nil {
			return err
		}
	}
	if !p.declared[queue] {
		if _, err := declare(p.ch, queue); err != nil {
			// A failed declare closes the channel
			p.drop()
			return err
		}
		p.declared[queue] = true
	}

	if err := p.ch.Publish(
		"",    // default exchange
		queue, // routing key (queue name)
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		p.drop()
		return fmt.Errorf("publishing task %d to %s: %w", a.TaskID, queue, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.ch == nil {
		return nil
	}
	p.ch.Close()
	err := p.conn.Close()
	p.conn, p.ch, p.lost = nil, nil, nil
	return err
}

// Consumer reads one worker's assignments. It satisfies worker.ClaimSource.
// After the broker goes away the next Claim redials.
type Consumer struct {
	workerID string
	queue    string
	dial     func() (*amqp.Connection, *amqp.Channel, error)

	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// DialConsumer connects to the broker and starts consuming workerID's queue.
func DialConsumer(url, prefix, workerID string) (*Consumer, error) {
	c := &Consumer{
		workerID: workerID,
		queue:    QueueName(prefix, workerID),
		dial: func() (*amqp.Connection, *amqp.Channel, error) {
			conn, err := amqp.Dial(url)
			if err != nil {
				return nil, nil, fmt.Errorf("connecting to broker: %w", err)
			}
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("opening channel: %w", err)
			}
			return conn, ch, nil
		},
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	log.Printf("Worker %s: consuming assignments from %s", workerID, c.queue)
	return c, nil
}

func (c *Consumer) connect() error {
	conn, ch, err := c.dial()
	if err != nil {
		return err
	}
	deliveries, err := consume(ch, c.queue)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	c.conn, c.ch, c.deliveries = conn, ch, deliveries
	return nil
}

func consume(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	// One unacknowledged assignment at a time
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("setting prefetch: %w", err)
	}
	if _, err := declare(ch, queue); err != nil {
		return nil, err
	}
	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("consuming %s: %w", queue, err)
	}
	return deliveries, nil
}

// Claim waits for the next assignment addressed to workerID. Messages that
// cannot be decoded or belong to another worker are dropped.
func (c *Consumer) Claim(ctx context.Context, workerID string) (engine.Assignment, error) {
	if c.deliveries == nil {
		if err := c.connect(); err != nil {
			return engine.Assignment{}, fmt.Errorf("worker %s: reconnecting: %w", c.workerID, err)
		}
		log.Printf("Worker %s: reconnected to AMQP broker", c.workerID)
	}

	for {
		select {
		case <-ctx.Done():
			return engine.Assignment{}, fmt.Errorf("%w: %v", scheduler.ErrNoAssignment, ctx.Err())
		case d, ok := <-c.deliveries:
			if !ok {
				// The runner backs off and claims again, which redials
				_ = c.Close()
				return engine.Assignment{}, fmt.Errorf("worker %s: AMQP delivery stream ended", c.workerID)
			}
			a, err := decode(d.Body)
			if err != nil {
				log.Printf("WARNING: worker %s: dropping message %s: %v", c.workerID, d.MessageId, err)
				_ = d.Nack(false, false)
				continue
			}
			if a.WorkerID != workerID {
				log.Printf("WARNING: worker %s: dropping assignment for %s", workerID, a.WorkerID)
				_ = d.Ack(false)
				continue
			}
			// Acknowledged on claim; a lost attempt is recovered by the engine's worker timeout
			if err := d.Ack(false); err != nil {
				return engine.Assignment{}, fmt.Errorf("acknowledging task %d: %w", a.TaskID, err)
			}
			return a, nil
		}
	}
}

// Close stops consuming and closes the connection.
func (c *Consumer) Close() error {
	if c.ch == nil {
		return nil
	}
	c.ch.Close()
	err := c.conn.Close()
	c.conn, c.ch, c.deliveries = nil, nil, nil
	return err
}

func declare(ch amqpChannel, queue string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return q, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return q, nil
}

// encode builds the message for an assignment.
func encode(a engine.Assignment, ttl time.Duration) (amqp.Publishing, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encoding task %d: %w", a.TaskID, err)
	}
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Type:         string(a.Type),
		Timestamp:    a.AssignedAt,
		Body:         body,
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return msg, nil
}

func decode(body []byte) (engine.Assignment, error) {
	var a engine.Assignment
	if err := json.Unmarshal(body, &a); err != nil {
		return a, fmt.Errorf("decoding assignment: %w", err)
	}
	if a.TaskID == 0 || a.WorkerID == "" {
		return a, errors.New("assignment missing task or worker id")
	}
	return a, nil
}

func orDefault(prefix string) string {
	if prefix == "" {
		return DefaultQueuePrefix
	}
	return prefix
}
