package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/platform/telemetry"
)

const dialAttempts = 5

// Client is a RabbitMQ connection with one confirm-mode publishing channel.
// Consumers open their own channels through Deliveries.
type Client struct {
	url        string
	queue      string
	retryQueue string
	prefetch   int
	logger     *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to the broker with retry and declares the order and retry queues
func Dial(ctx context.Context, url, queue string, prefetch int, logger *zap.Logger) (*Client, error) {
	c := &Client{
		url:        url,
		queue:      queue,
		retryQueue: queue + ".retry",
		prefetch:   prefetch,
		logger:     logger,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// connect must be called with mu held
func (c *Client) connect(ctx context.Context) error {
	var (
		conn *amqp.Connection
		err  error
	)

	// Retry connection with growing backoff
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(c.url)
		if err == nil {
			break
		}
		retryTime := time.Duration(i*i)*time.Second + time.Second
		c.logger.Warn("⏳ Failed to connect to RabbitMQ, retrying", zap.Duration("retry_in", retryTime), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryTime):
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
	}

	channel, err := c.openPublishChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.logger.Info("✅ Connected to RabbitMQ", zap.String("queue", c.queue))
	return nil
}

// openPublishChannel opens a confirm-mode channel on conn and declares the topology on it
func (c *Client) openPublishChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := c.declareTopology(channel); err != nil {
		channel.Close()
		return nil, err
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return channel, nil
}

func (c *Client) declareTopology(channel *amqp.Channel) error {
	_, err := channel.QueueDeclare(
		c.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}

	// Expired messages are dead-lettered back onto the order queue via the default exchange
	_, err = channel.QueueDeclare(
		c.retryQueue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": c.queue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.retryQueue, err)
	}

	return nil
}

// ensureConnected must be called with mu held
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return nil
	}

	// a lost channel on a live connection only needs a new channel; consumers keep theirs
	if c.conn != nil && !c.conn.IsClosed() {
		channel, err := c.openPublishChannel(c.conn)
		if err == nil {
			c.logger.Warn("🔁 RabbitMQ publish channel reopened")
			c.channel = channel
			return nil
		}
		c.logger.Warn("🔁 Failed to reopen channel, redialing", zap.Error(err))
		_ = c.conn.Close()
	}

	c.logger.Warn("🔁 RabbitMQ connection lost, reconnecting")
	c.conn, c.channel = nil, nil

	return c.connect(ctx)
}

// Publish sends env to the order queue as a persistent message and waits for the broker confirm
func (c *Client) Publish(ctx context.Context, env Envelope) error {
	return c.publish(ctx, c.queue, env, "")
}

// PublishDelayed parks env on the retry queue; the broker moves it back to the order queue
// once delay has elapsed.
func (c *Client) PublishDelayed(ctx context.Context, env Envelope, delay time.Duration) error {
	return c.publish(ctx, c.retryQueue, env, strconv.FormatInt(delay.Milliseconds(), 10))
}

func (c *Client) publish(ctx context.Context, routingKey string, env Envelope, expiration string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	channel, err := c.publishChannel(ctx)
	if err != nil {
		return err
	}

	confirmation, err := channel.PublishWithDeferredConfirmWithContext(
		ctx,
		"",         // default exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    env.OrderID,
			Expiration:   expiration,
			Headers:      telemetry.InjectAMQPHeaders(ctx),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", routingKey, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm from %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%s: %w", routingKey, ErrPublishNacked)
	}

	c.logger.Debug("Published message",
		zap.String("queue", routingKey),
		zap.String("order_id", env.OrderID),
		zap.Int("retries", env.Retries),
	)
	return nil
}

// publishChannel returns the confirm-mode channel, reconnecting first if it was lost
func (c *Client) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, fmt.Errorf("rabbitmq unavailable: %w", err)
	}
	return c.channel, nil
}

// Subscribe opens a consumer channel on the order queue with manual acknowledgement.
// The subscription is cancelled when ctx is done; its channel is closed by Release.
func (c *Client) Subscribe(ctx context.Context) (Subscription, error) {
	c.mu.Lock()
	if err := c.ensureConnected(ctx); err != nil {
		c.mu.Unlock()
		return Subscription{}, fmt.Errorf("rabbitmq unavailable: %w", err)
	}
	channel, err := c.conn.Channel()
	c.mu.Unlock()
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to open channel: %w", err)
	}

	// Set QoS to limit the number of unacknowledged messages
	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		channel.Close()
		return Subscription{}, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := "order-consumer-" + uuid.NewString()
	msgs, err := channel.Consume(
		c.queue, // queue
		tag,     // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		channel.Close()
		return Subscription{}, fmt.Errorf("failed to start consuming from queue %s: %w", c.queue, err)
	}

	closed := channel.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := channel.NotifyCancel(make(chan string, 1))
	go func() {
		select {
		case <-ctx.Done():
			// stop new deliveries; in-flight ones still settle until Release
			_ = channel.Cancel(tag, false)
		case _, ok := <-cancelled:
			if ok {
				c.logger.Warn("⚠️ Consumer cancelled by broker", zap.String("consumer", tag))
			}
		case <-closed:
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			if !channel.IsClosed() {
				_ = channel.Close()
			}
		})
	}

	c.logger.Info("📥 Started consumer", zap.String("queue", c.queue), zap.String("consumer", tag))
	return Subscription{Deliveries: msgs, Release: release}, nil
}

// Close closes the RabbitMQ connection and channel
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			return err
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
