package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/felipepmaragno/kb-gateway/internal/notifications"
)

// Message is one received queue entry. Handle is whatever the queue needs to
// acknowledge it.
type Message struct {
	Body   string
	Handle string
}

type Queue interface {
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Delete(ctx context.Context, handle string) error
}

type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	wait     int32
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithConfig(cfg, queueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		wait:     20,
	}
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.wait,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msgs = append(msgs, Message{
			Body:   aws.ToString(m.Body),
			Handle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, handle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// InMemoryQueue feeds a Listener from tests or from a local publisher.
type InMemoryQueue struct {
	mu      sync.Mutex
	pending []Message
	deleted []string
	next    int
	notify  chan struct{}
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *InMemoryQueue) Push(body string) {
	q.mu.Lock()
	q.next++
	q.pending = append(q.pending, Message{Body: body, Handle: fmt.Sprintf("m-%d", q.next)})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until a message is available or ctx is done, like a long poll.
func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			count := min(maxMessages, len(q.pending))
			result := make([]Message, count)
			copy(result, q.pending[:count])
			q.pending = q.pending[count:]
			q.mu.Unlock()
			return result, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *InMemoryQueue) Delete(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, handle)
	return nil
}

func (q *InMemoryQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]string, len(q.deleted))
	copy(result, q.deleted)
	return result
}

// snsEnvelope is the body SQS receives from an SNS subscription without raw
// message delivery.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// DecodeEvent accepts either a bare event or one wrapped in an SNS envelope.
func DecodeEvent(body string) (notifications.Event, error) {
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = env.Message
	}

	var ev notifications.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" || ev.GraphKey == "" {
		return ev, errors.New("decode event: missing type or graph key")
	}
	return ev, nil
}

// Listener applies graph events published by other processes.
type Listener struct {
	queue    Queue
	instance string
	handle   func(context.Context, notifications.Event)
	backoff  time.Duration
}

func NewListener(q Queue, instance string, handle func(context.Context, notifications.Event)) *Listener {
	return &Listener{
		queue:    q,
		instance: instance,
		handle:   handle,
		backoff:  5 * time.Second,
	}
}

func (l *Listener) Run(ctx context.Context) {
	slog.Info("release listener started", "instance", l.instance)

	for {
		msgs, err := l.queue.Receive(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("release listener stopped")
				return
			}
			slog.Warn("receive release events failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.backoff):
			}
			continue
		}

		for _, m := range msgs {
			l.process(ctx, m)
		}
	}
}

func (l *Listener) process(ctx context.Context, m Message) {
	ev, err := DecodeEvent(m.Body)
	switch {
	case err != nil:
		slog.Warn("dropping malformed release event", "error", err)
	case ev.Instance == l.instance:
		// published by this process, already applied locally
	default:
		l.handle(ctx, ev)
	}

	if err := l.queue.Delete(ctx, m.Handle); err != nil {
		slog.Warn("failed to acknowledge release event", "error", err)
	}
}
