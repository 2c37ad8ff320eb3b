package infra

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	amqpDialAttempts = 5
	amqpInitialDelay = time.Second
	amqpMaxDelay     = 30 * time.Second
)

// DialAmqp connects with capped exponential backoff. It gives up early
// when ctx is cancelled.
func DialAmqp(ctx context.Context, url string, logger *zap.SugaredLogger) (*amqp.Connection, error) {
	var lastErr error
	delay := amqpInitialDelay

	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			logger.Infof("amqp connected attempt[%v]", attempt)
			return conn, nil
		}
		lastErr = err

		logger.Warnf("amqp dial failed attempt[%v] retryIn[%v] %v", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if delay *= 2; delay > amqpMaxDelay {
			delay = amqpMaxDelay
		}
	}

	return nil, fmt.Errorf("cannot connect to amqp after %v attempts: %w", amqpDialAttempts, lastErr)
}
