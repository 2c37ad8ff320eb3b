package ticket

import (
	"context"
	"fmt"
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"

	"github.com/go-redis/redis/v8"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const resubscribeDelay = 2 * time.Second

// RedisNotifier reports a ticket change for every message published on
// the changes channel. The payload is not inspected.
type RedisNotifier struct {
	redisClient *redis.Client
	channel     string
	watcher     *Watcher
	logger      *zap.SugaredLogger
}

func ProvideRedisNotifier(cfg *config.Config, redisClient *redis.Client, watcher *Watcher, loggerFactory *infra.LoggerFactory) *RedisNotifier {
	return &RedisNotifier{
		redisClient: redisClient,
		channel:     cfg.Redis.ChangesChannel,
		watcher:     watcher,
		logger:      loggerFactory.Create("RedisNotifier").Sugar(),
	}
}

// Run subscribes until ctx is done, resubscribing after errors. Returns
// right away if no channel is configured.
func (n *RedisNotifier) Run(ctx context.Context) error {
	if n.channel == "" {
		n.logger.Infof("redis change channel not configured")
		return nil
	}

	for {
		err := n.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		n.logger.Warnf("redis subscription lost channel[%v] retryIn[%v] %v", n.channel, resubscribeDelay, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}

func (n *RedisNotifier) subscribe(ctx context.Context) error {
	pubsub := n.redisClient.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	// Wait for subscription to be active.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	n.logger.Infof("redis subscribed channel[%v]", n.channel)

	return n.forward(ctx, pubsub.Channel())
}

// forward reports a change for every message until ctx is done or ch is
// closed.
func (n *RedisNotifier) forward(ctx context.Context, ch <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-ch:
			if !ok {
				return fmt.Errorf("channel[%v] closed", n.channel)
			}
			n.logger.Debugf("redis change payload[%v]", message.Payload)
			n.watcher.Notify("redis")
		}
	}
}

// AmqpNotifier reports a ticket change for every ticket lifecycle event
// the bot publishes on the ticket exchange.
type AmqpNotifier struct {
	config  *config.AmqpConfig
	watcher *Watcher
	logger  *zap.SugaredLogger
}

func ProvideAmqpNotifier(cfg *config.Config, watcher *Watcher, loggerFactory *infra.LoggerFactory) *AmqpNotifier {
	return &AmqpNotifier{
		config:  &cfg.Amqp,
		watcher: watcher,
		logger:  loggerFactory.Create("AmqpNotifier").Sugar(),
	}
}

// Run consumes until ctx is done, reconnecting after errors. Returns right
// away if no url is configured.
func (n *AmqpNotifier) Run(ctx context.Context) error {
	if n.config.Url == "" {
		n.logger.Infof("amqp url not configured")
		return nil
	}

	for {
		err := n.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		n.logger.Warnf("amqp consumer lost queue[%v] retryIn[%v] %v", n.config.Queue, resubscribeDelay, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}

func (n *AmqpNotifier) consume(ctx context.Context) error {
	conn, err := infra.DialAmqp(ctx, n.config.Url, n.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("cannot open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(n.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("cannot declare exchange[%v]: %w", n.config.Exchange, err)
	}
	// Events only trigger a re-read, nothing is lost if they pile up while
	// the server is away, so the queue does not need to survive it.
	queue, err := ch.QueueDeclare(n.config.Queue, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("cannot declare queue[%v]: %w", n.config.Queue, err)
	}
	for _, key := range n.config.RoutingKeys {
		if err := ch.QueueBind(queue.Name, key, n.config.Exchange, false, nil); err != nil {
			return fmt.Errorf("cannot bind routingKey[%v]: %w", key, err)
		}
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("cannot consume queue[%v]: %w", queue.Name, err)
	}
	n.logger.Infof("amqp consuming queue[%v] routingKeys[%v]", queue.Name, n.config.RoutingKeys)

	return n.forward(ctx, deliveries, conn.NotifyClose(make(chan *amqp.Error, 1)))
}

// forward reports a change for every delivery and acks it, until ctx is
// done, the connection closes or the deliveries stop.
func (n *AmqpNotifier) forward(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr := <-closed:
			return fmt.Errorf("connection closed: %v", amqpErr)

		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries of queue[%v] closed", n.config.Queue)
			}
			n.logger.Debugf("amqp change routingKey[%v]", delivery.RoutingKey)
			n.watcher.Notify(delivery.RoutingKey)
			if err := delivery.Ack(false); err != nil {
				n.logger.Warnf("cannot ack routingKey[%v] %v", delivery.RoutingKey, err)
			}
		}
	}
}
