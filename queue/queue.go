package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
)

// Handler processes one job. A returned error asks for a retry when the
// consumer allows it.
type Handler func(ctx context.Context, job Job) error

// ConsumerOptions configures the consumer of one topic
type ConsumerOptions struct {
	Concurrency int
	// LockLease is how long a delivered job is reserved for its worker
	LockLease  time.Duration
	MaxDeliver int
	RetryDelay time.Duration
	Retryable  bool
}

// Options configures the stream backing both topics
type Options struct {
	Stream    string
	Retention time.Duration
	Consumers map[string]ConsumerOptions
}

// Queue is a pair of JetStream work queues sharing one stream
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	opts   Options
	prefix string
	ownsNC bool

	mu      sync.Mutex
	running map[string]context.CancelFunc
	active  sync.WaitGroup
}

// Connect dials url and opens the queue on the new connection
func Connect(ctx context.Context, url string, opts Options) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("telemetry-hub"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	q, err := New(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	q.ownsNC = true
	return q, nil
}

// New creates or updates the work queue stream on an existing connection
func New(ctx context.Context, nc *nats.Conn, opts Options) (*Queue, error) {
	if opts.Stream == "" {
		opts.Stream = "INGEST"
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	prefix := strings.ToLower(opts.Stream) + "."
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{prefix + TopicTelemetry, prefix + TopicStatus},
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     opts.Retention,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", opts.Stream, err)
	}

	logger.Info("jetstream work queue %s ready", opts.Stream)
	return &Queue{
		nc:      nc,
		js:      js,
		stream:  stream,
		opts:    opts,
		prefix:  prefix,
		running: make(map[string]context.CancelFunc),
	}, nil
}

func (q *Queue) subject(topic string) string {
	return q.prefix + topic
}

// Publish enqueues job on its topic
func (q *Queue) Publish(ctx context.Context, job Job) error {
	if !validTopic(job.Topic) {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, job.Topic)
	}
	if job.When <= 0 {
		job.When = time.Now().UnixMilli()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	var opts []jetstream.PublishOpt
	if job.ID != "" {
		opts = append(opts, jetstream.WithMsgID(job.ID))
	}
	if _, err := q.js.Publish(ctx, q.subject(job.Topic), data, opts...); err != nil {
		return fmt.Errorf("publish %s job: %w", job.Topic, err)
	}
	return nil
}

func (q *Queue) consumerOptions(topic string) ConsumerOptions {
	co := q.opts.Consumers[topic]
	if co.Concurrency <= 0 {
		co.Concurrency = 5
	}
	if co.LockLease <= 0 {
		co.LockLease = 2 * time.Minute
	}
	if !co.Retryable || co.MaxDeliver <= 0 {
		co.MaxDeliver = 1
	}
	if co.RetryDelay <= 0 {
		co.RetryDelay = time.Second
	}
	return co
}

// Consume runs handler over the jobs of topic until ctx is cancelled. One
// fetch loop feeds Concurrency workers; a job is acked after its handler
// returns nil, retried after a delay while deliveries remain, and
// terminated otherwise. Cancelling ctx stops fetching; jobs already handed
// to a worker finish under their own lease.
func (q *Queue) Consume(ctx context.Context, topic string, handler Handler) error {
	if !validTopic(topic) {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	co := q.consumerOptions(topic)

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       topic,
		FilterSubject: q.subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       co.LockLease,
		MaxDeliver:    co.MaxDeliver,
		MaxAckPending: co.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", topic, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(co.Concurrency))
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.running[topic] = cancel
	q.active.Add(1)
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, topic)
		q.mu.Unlock()
		cancel()
		q.active.Done()
	}()

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	msgs := make(chan jetstream.Msg)
	var wg sync.WaitGroup
	for i := 0; i < co.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				q.handle(ctx, topic, co, msg, handler)
			}
		}()
	}

	logger.Info("consuming %s with %d workers", topic, co.Concurrency)
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				break
			}
			logger.Warn("fetch %s: %v", topic, err)
			continue
		}
		msgs <- msg
	}

	close(msgs)
	wg.Wait()
	logger.Info("stopped consuming %s", topic)
	return nil
}

func (q *Queue) handle(ctx context.Context, topic string, co ConsumerOptions, msg jetstream.Msg, handler Handler) {
	start := time.Now()

	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		logger.Error("dropping malformed %s job: %v", topic, err)
		_ = msg.Term()
		metrics.ObserveJob(topic, metrics.ResultTerm, time.Since(start))
		return
	}
	job.Topic = topic

	// a dequeued job runs to completion; cancelling the consumer only stops fetching
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), co.LockLease)
	err := call(jobCtx, handler, job)
	cancel()

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("ack %s job: %v", topic, ackErr)
		}
		metrics.ObserveJob(topic, metrics.ResultSuccess, time.Since(start))
		return
	}

	delivered := uint64(1)
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		delivered = meta.NumDelivered
	}
	if co.Retryable && delivered < uint64(co.MaxDeliver) {
		delay := co.RetryDelay * time.Duration(delivered)
		logger.Warn("%s job failed (delivery %d/%d), retrying in %s: %v", topic, delivered, co.MaxDeliver, delay, err)
		_ = msg.NakWithDelay(delay)
		metrics.ObserveJob(topic, metrics.ResultRetry, time.Since(start))
		return
	}

	logger.Error("%s job failed permanently after %d deliveries: %v", topic, delivered, err)
	_ = msg.Term()
	metrics.ObserveJob(topic, metrics.ResultTerm, time.Since(start))
}

// call runs handler, turning a panic into an error
func call(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Close stops fetching, waits for in-flight jobs to be acked or nacked and
// closes the connection if Connect opened it
func (q *Queue) Close() {
	q.mu.Lock()
	for _, cancel := range q.running {
		cancel()
	}
	q.mu.Unlock()
	q.active.Wait()
	if q.ownsNC {
		q.nc.Close()
	}
}
