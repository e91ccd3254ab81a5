package main

import (
	"context"
	"errors"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/novamart-backend/pkg/kafka"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/registry"
)

// outboundMessage is the transport-neutral form of one outbox row.
type outboundMessage struct {
	Topic      string
	Key        string
	Data       []byte
	Attributes map[string]string
}

type transport interface {
	Name() string
	Ping(context.Context) error
	Publish(context.Context, outboundMessage) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type pubSubTransport struct {
	client  pubSubClient
	factory func(topic string) publisher
}

func newPubSubTransport(client pubSubClient) *pubSubTransport {
	t := &pubSubTransport{client: client}
	t.factory = t.topicPublisher
	return t
}

func (t *pubSubTransport) topicPublisher(topic string) publisher {
	p := t.client.Publisher(topic)
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

func (t *pubSubTransport) Name() string { return "pubsub" }

func (t *pubSubTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx)
}

func (t *pubSubTransport) Publish(ctx context.Context, msg outboundMessage) error {
	pub := t.factory(msg.Topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", msg.Topic))
	}
	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:        msg.Data,
		Attributes:  msg.Attributes,
		OrderingKey: msg.Key,
	})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", msg.Topic))
	}
	if _, err := result.Get(ctx); err != nil {
		// An ordering key stays paused after a failure until resumed.
		if resumer, ok := pub.(interface{ ResumePublish(string) }); ok && msg.Key != "" {
			resumer.ResumePublish(msg.Key)
		}
		return err
	}
	return nil
}

type kafkaWriter interface {
	Ping(context.Context) error
	Publish(context.Context, kafka.Message) error
}

type kafkaTransport struct {
	writer kafkaWriter
}

func (t *kafkaTransport) Name() string { return "kafka" }

func (t *kafkaTransport) Ping(ctx context.Context) error {
	return t.writer.Ping(ctx)
}

func (t *kafkaTransport) Publish(ctx context.Context, msg outboundMessage) error {
	return t.writer.Publish(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Data,
		Headers: msg.Attributes,
	})
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
