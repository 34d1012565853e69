package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type EventType string

const (
	// EventGraphReleased asks every process to drop its resident instance.
	EventGraphReleased EventType = "graph_released"
	// EventGraphDeleted is published after the persisted graph is removed.
	EventGraphDeleted EventType = "graph_deleted"
)

// Event announces a change to a graph key to the other gateway processes.
type Event struct {
	Type     EventType `json:"type"`
	GraphKey string    `json:"graph_key"`
	Instance string    `json:"instance"`
	UserID   string    `json:"user_id,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type SNSPublisher struct {
	client   *sns.Client
	topicArn string
}

func NewSNSPublisher(ctx context.Context, region, topicArn string) (*SNSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSPublisherWithConfig(cfg, topicArn), nil
}

func NewSNSPublisherWithConfig(cfg aws.Config, topicArn string) *SNSPublisher {
	return &SNSPublisher{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (p *SNSPublisher) Publish(ctx context.Context, event Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"GraphKey": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.GraphKey),
			},
		},
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	slog.Info("graph event published",
		"type", event.Type,
		"graph_key", event.GraphKey,
	)
	return nil
}

// InMemoryPublisher records events and hands them to local handlers. A
// single-process deployment uses it in place of SNS.
type InMemoryPublisher struct {
	mu       sync.Mutex
	events   []Event
	handlers []func(Event)
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	handlers := make([]func(Event), len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

func (p *InMemoryPublisher) OnEvent(handler func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

func (p *InMemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Event, len(p.events))
	copy(result, p.events)
	return result
}
