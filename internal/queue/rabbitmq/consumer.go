package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler runs one job. A returned error sends the delivery to the retry
// queue until its attempts run out, then to the DLQ.
type Handler func(ctx context.Context, jobID string) error

// Retry defaults. A job whose store was briefly unreachable is run again
// after DefaultRetryDelay, up to DefaultMaxAttempts runs in total.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 30 * time.Second
)

// AttemptHeader counts how many times a delivery has been handed to a Handler.
const AttemptHeader = "x-promptbatch-attempt"

// retryFunc republishes body to the retry queue as the given attempt.
type retryFunc func(ctx context.Context, body []byte, attempt int) error

// Acknowledger is the subset of amqp.Delivery the pool settles with.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer pulls job ids from the queue and runs them on a fixed pool.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int

	maxAttempts int
	retryDelay  time.Duration
	pubMu       sync.Mutex // amqp channels are not safe for concurrent publishes
}

// NewConsumer dials url, declares the topology and limits unacked deliveries
// to concurrency.
func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq qos: %w", err)
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		concurrency: concurrency,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}, nil
}

// WithRetry overrides the retry defaults. maxAttempts of 1 disables retries.
func (c *Consumer) WithRetry(maxAttempts int, delay time.Duration) *Consumer {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if delay > 0 {
		c.retryDelay = delay
	}
	return c
}

// retry parks body on the retry queue. The message expires after retryDelay
// and the broker dead-letters it back onto the main queue.
func (c *Consumer) retry(ctx context.Context, body []byte, attempt int) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	err := c.ch.PublishWithContext(cctx, "", RetryQueue(c.queue), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
		Expiration:   strconv.FormatInt(c.retryDelay.Milliseconds(), 10),
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish retry: %w", err)
	}
	return nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is done or the broker closes the delivery channel.
// Deliveries already running are finished before Run returns; buffered ones
// that never started are requeued.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}

	slog.Info("worker consuming", "queue", c.queue, "concurrency", c.concurrency)

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				if ctx.Err() != nil {
					// Not started; hand it back for another worker.
					_ = d.Nack(false, true)
					continue
				}
				var retry retryFunc
				if c.maxAttempts > 1 {
					retry = c.retry
				}
				process(ctx, workerID, d, d.Body, attemptOf(d.Headers), c.maxAttempts, handle, retry)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			jobs <- d
		}
	}
}

// attemptOf reads AttemptHeader. Deliveries without it are on their first attempt.
func attemptOf(h amqp.Table) int {
	switch v := h[AttemptHeader].(type) {
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int:
		return max(v, 1)
	default:
		return 1
	}
}

// process decodes one delivery, runs it and settles it. Success acks. A
// handler error is republished to the retry queue while attempts remain, and
// dead-lettered otherwise. Bad messages go straight to the DLQ.
func process(ctx context.Context, workerID int, ack Acknowledger, body []byte, attempt, maxAttempts int, handle Handler, retry retryFunc) {
	m, err := DecodeJobMessage(body)
	if err != nil {
		slog.Warn("dropping bad job message", "worker", workerID, "error", err)
		_ = ack.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, m.JobID); err != nil {
		slog.Error("job failed",
			"worker", workerID,
			"job_id", m.JobID,
			"attempt", attempt,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		if retry != nil && attempt < maxAttempts {
			rerr := retry(ctx, body, attempt+1)
			if rerr == nil {
				slog.Info("job retry scheduled", "worker", workerID, "job_id", m.JobID, "next_attempt", attempt+1)
				_ = ack.Ack(false)
				return
			}
			slog.Error("job retry failed", "worker", workerID, "job_id", m.JobID, "error", rerr)
		}
		_ = ack.Nack(false, false)
		return
	}

	if err := ack.Ack(false); err != nil {
		slog.Error("ack failed", "worker", workerID, "job_id", m.JobID, "error", err)
	}
}
