package kafka

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerOptions tunes the change consumer. Zero values take the defaults.
type ConsumerOptions struct {
	MaxWait time.Duration // default: 500ms

	// FetchRetries is how many fetch failures in a row are ridden out before
	// Consume gives up. The wait starts at RetryBackoff and doubles.
	FetchRetries int           // default: 5
	RetryBackoff time.Duration // default: 200ms
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.MaxWait <= 0 {
		o.MaxWait = 500 * time.Millisecond
	}
	if o.FetchRetries <= 0 {
		o.FetchRetries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	return o
}

// Consumer feeds change messages to one handler.
type Consumer struct {
	r    messageReader
	opts ConsumerOptions
}

// NewConsumer reads topic in consumer group groupID. A new group starts at
// the newest offset: change events older than the process are useless to it.
func NewConsumer(brokers []string, topic, groupID string, opts ConsumerOptions) *Consumer {
	opts = opts.withDefaults()
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		StartOffset:       kafka.LastOffset,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		MaxWait:           opts.MaxWait,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg), opts)
}

func newConsumerWithReader(r messageReader, opts ConsumerOptions) *Consumer {
	return &Consumer{r: r, opts: opts.withDefaults()}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume calls handler for every message until ctx ends, the handler fails
// or the broker stays unreachable past the retry budget. A message is
// committed only after its handler succeeded.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.fetch(ctx)
		if err != nil {
			return err
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	wait := c.opts.RetryBackoff
	for failures := 0; ; failures++ {
		msg, err := c.r.FetchMessage(ctx)
		switch {
		case err == nil:
			return msg, nil
		case ctx.Err() != nil:
			return kafka.Message{}, ctx.Err()
		case errors.Is(err, io.EOF):
			// reader closed
			return kafka.Message{}, errors.Wrap(err, "fetch message")
		case failures >= c.opts.FetchRetries:
			return kafka.Message{}, errors.Wrapf(err, "fetch message, %d retries spent", failures)
		}

		slog.Warn("kafka fetch failed, retrying", "attempt", failures+1, "wait", wait.String(), "error", err.Error())
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return kafka.Message{}, ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
}
