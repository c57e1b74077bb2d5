package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultQueue is the queue jobs are published to when none is configured.
const DefaultQueue = "outreach_jobs"

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

type jobMessage struct {
	JobID string `json:"job_id"`
}

// Dial connects to the broker and opens a channel. Closing the connection
// also closes the channel.
func Dial(url string) (*amqp.Connection, Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, eris.Wrap(err, "dispatch: amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, nil, eris.Wrap(err, "dispatch: amqp channel")
	}
	return conn, ch, nil
}

func declare(ch Channel, queue string) (string, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", eris.Wrapf(err, "dispatch: declare queue %s", queue)
	}
	return q.Name, nil
}

// AMQPPublisher dispatches jobs by publishing their ids to a durable queue.
type AMQPPublisher struct {
	ch    Channel
	queue string
}

// NewAMQPPublisher declares queue and returns a publisher for it.
func NewAMQPPublisher(ch Channel, queue string) (*AMQPPublisher, error) {
	name, err := declare(ch, queue)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{ch: ch, queue: name}, nil
}

// Dispatch publishes jobID as a persistent message.
func (p *AMQPPublisher) Dispatch(_ context.Context, jobID string) error {
	body, err := json.Marshal(jobMessage{JobID: jobID})
	if err != nil {
		return eris.Wrap(err, "dispatch: marshal job message")
	}
	err = p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Body:         body,
	})
	return eris.Wrapf(err, "dispatch: publish job %s", jobID)
}

// AMQPConsumer runs jobs received from a queue.
type AMQPConsumer struct {
	ch          Channel
	queue       string
	runner      Runner
	concurrency int
}

// NewAMQPConsumer declares queue and returns a consumer running at most
// concurrency jobs at once.
func NewAMQPConsumer(ch Channel, queue string, runner Runner, concurrency int) (*AMQPConsumer, error) {
	name, err := declare(ch, queue)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &AMQPConsumer{ch: ch, queue: name, runner: runner, concurrency: concurrency}, nil
}

// Run consumes until ctx is done or the delivery channel closes, then waits
// for running jobs. A job whose run fails is requeued once.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.concurrency, 0, false); err != nil {
		return eris.Wrap(err, "dispatch: set prefetch")
	}
	deliveries, err := c.ch.Consume(
		c.queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return eris.Wrapf(err, "dispatch: consume %s", c.queue)
	}

	zap.L().Info("dispatch: consuming jobs", zap.String("queue", c.queue), zap.Int("concurrency", c.concurrency))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	defer g.Wait() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return eris.New("dispatch: delivery channel closed")
			}
			g.Go(func() error {
				c.handle(ctx, d)
				return nil
			})
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg jobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		zap.L().Warn("dispatch: dropping malformed job message", zap.ByteString("body", d.Body), zap.Error(err))
		d.Ack(false) //nolint:errcheck
		return
	}

	log := zap.L().With(zap.String("job_id", msg.JobID))
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = eris.Errorf("panic: %s", fmt.Sprint(r))
			}
		}()
		return c.runner.Run(ctx, msg.JobID)
	}()
	if err == nil {
		d.Ack(false) //nolint:errcheck
		return
	}

	if d.Redelivered {
		log.Error("dispatch: job failed after redelivery, dropping", zap.Error(err))
		d.Ack(false) //nolint:errcheck
		return
	}
	log.Warn("dispatch: job failed, requeueing", zap.Error(err))
	d.Nack(false, true) //nolint:errcheck
}
