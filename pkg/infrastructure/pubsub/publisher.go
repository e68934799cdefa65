package pubsub

import (
	"context"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/cloudevents/sdk-go/v2/event"
)

// PubSubAdapter provides message publishing using Google Cloud Pub/Sub
type PubSubAdapter struct {
	Client *pubsub.Client
}

func (a *PubSubAdapter) Publish(ctx context.Context, topicID string, data []byte) (string, error) {
	topic := a.Client.Topic(topicID)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	return res.Get(ctx)
}

// PublishCloudEvent publishes e in the Pub/Sub binary content mode: the
// payload is the message data and the context attributes travel as ce-*
// message attributes.
func (a *PubSubAdapter) PublishCloudEvent(ctx context.Context, topicID string, e event.Event) (string, error) {
	topic := a.Client.Topic(topicID)
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       e.Data(),
		Attributes: Attributes(e),
	})
	return res.Get(ctx)
}

// Attributes returns the ce-* attributes of e.
func Attributes(e event.Event) map[string]string {
	attrs := map[string]string{
		"ce-id":          e.ID(),
		"ce-specversion": e.SpecVersion(),
		"ce-type":        e.Type(),
		"ce-source":      e.Source(),
	}
	if ct := e.DataContentType(); ct != "" {
		attrs["content-type"] = ct
	}
	return attrs
}

// LogPublisher is a mock publisher for local development
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) PublishCloudEvent(ctx context.Context, topicID string, e event.Event) (string, error) {
	p.Logger.Info("[LogPublisher] MOCK PUBLISH", "topic", topicID, "type", e.Type(), "data", string(e.Data()))
	return "mock-" + e.ID(), nil
}
