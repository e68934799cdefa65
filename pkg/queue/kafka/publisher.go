package kafka

import (
	"context"
	"sync"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the kafka.Writer surface used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes CloudEvents in the Kafka binary content mode, lazily
// creating one writer per topic.
type Publisher struct {
	brokers   []string
	newWriter func(topic string) MessageWriter

	mu      sync.Mutex
	writers map[string]MessageWriter
}

func NewPublisher(brokers []string) *Publisher {
	p := &Publisher{brokers: brokers, writers: make(map[string]MessageWriter)}
	p.newWriter = func(topic string) MessageWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(p.brokers...),
			Topic:                  topic,
			RequiredAcks:           kafka.RequireAll,
			Compression:            kafka.Snappy,
			AllowAutoTopicCreation: true,
		}
	}
	return p
}

// Message renders e as a Kafka record.
func Message(e event.Event) kafka.Message {
	headers := []kafka.Header{
		{Key: "ce_id", Value: []byte(e.ID())},
		{Key: "ce_specversion", Value: []byte(e.SpecVersion())},
		{Key: "ce_type", Value: []byte(e.Type())},
		{Key: "ce_source", Value: []byte(e.Source())},
	}
	if ct := e.DataContentType(); ct != "" {
		headers = append(headers, kafka.Header{Key: "content-type", Value: []byte(ct)})
	}
	return kafka.Message{
		Key:     []byte(e.ID()),
		Value:   e.Data(),
		Headers: headers,
	}
}

func (p *Publisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	if err := p.writerForTopic(topic).WriteMessages(ctx, Message(e)); err != nil {
		return "", err
	}
	return e.ID(), nil
}

func (p *Publisher) writerForTopic(topic string) MessageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

// Close releases all writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}
