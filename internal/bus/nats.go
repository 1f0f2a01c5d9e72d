// Package bus wraps the NATS connection used by the worker.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-cartoonizer/internal/process"
	"github.com/tendant/simple-cartoonizer/pkg/schema"
)

type Client struct {
	nc       *nats.Conn
	handlers sync.WaitGroup
}

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

// NewClient wraps an existing connection.
func NewClient(nc *nats.Conn) *Client { return &Client{nc: nc} }

// Close drains the connection and waits for dispatched handlers.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
	c.handlers.Wait()
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Handler processes one message. timeout bounds the context it receives.
type Handler func(ctx context.Context, data []byte)

// QueueSubscribeJSON delivers each message to one member of queue.
func (c *Client) QueueSubscribeJSON(subject, queue string, timeout time.Duration, handler Handler) (*nats.Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, wrap(timeout, handler))
}

// QueueDispatchJSON is QueueSubscribeJSON with up to workers handlers
// running at once. NATS calls a subscription's callback serially, so each
// message is handed to its own goroutine; once workers are busy the
// callback blocks and later messages wait in the subscription.
func (c *Client) QueueDispatchJSON(subject, queue string, timeout time.Duration, workers int, handler Handler) (*nats.Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, dispatch(timeout, workers, &c.handlers, handler))
}

func dispatch(timeout time.Duration, workers int, wg *sync.WaitGroup, handler Handler) nats.MsgHandler {
	if workers <= 0 {
		workers = 1
	}
	run := wrap(timeout, handler)
	slots := make(chan struct{}, workers)
	return func(msg *nats.Msg) {
		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			run(msg)
		}()
	}
}

func wrap(timeout time.Duration, handler Handler) nats.MsgHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		handler(ctx, msg.Data)
	}
}

// Notifier publishes a lifecycle event for every job record change.
type Notifier struct {
	client  *Client
	subject string
	logger  *slog.Logger
}

func NewNotifier(client *Client, subject string, logger *slog.Logger) *Notifier {
	return &Notifier{client: client, subject: subject, logger: logger}
}

// JobUpdated implements jobs.Notifier.
func (n *Notifier) JobUpdated(_ context.Context, job *process.Job) {
	evt := LifecycleFromJob(job)
	if err := n.client.PublishJSON(n.subject, evt); err != nil {
		n.logger.Warn("publish lifecycle event failed", "job_id", job.ID, "stage", evt.Stage, "err", err)
	}
}

// LifecycleFromJob maps a job record onto the event schema.
func LifecycleFromJob(job *process.Job) schema.CartoonLifecycleEvent {
	evt := schema.CartoonLifecycleEvent{
		JobID:         job.ID,
		PipelineState: job.State,
		HappenedAt:    job.UpdatedAt.Unix(),
	}
	switch job.Status {
	case process.JobStatusPending:
		evt.Stage = schema.StageValidation
	case process.JobStatusRunning:
		evt.Stage = schema.StageProcessing
	case process.JobStatusSucceeded:
		evt.Stage = schema.StageCompleted
	default:
		evt.Stage = schema.StageFailed
		evt.FailedStage = job.FailedStage
		evt.Error = job.Error
		evt.FailureType = schema.FailureTypePermanent
		if job.Status == process.JobStatusCanceled {
			evt.FailureType = schema.FailureTypeRetryable
		}
	}
	return evt
}
