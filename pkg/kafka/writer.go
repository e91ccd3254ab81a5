package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const defaultWriteTimeout = 10 * time.Second

var errNoBrokers = errors.New("kafka brokers are required")

// Message is a single record written to a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes domain events synchronously so the caller only marks an
// outbox row delivered once every in-sync replica acknowledged it.
type Writer struct {
	writer  messageWriter
	brokers []string
	timeout time.Duration
	cfg     config.KafkaConfig
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewWriter builds a topic-less writer; the topic travels on each message.
func NewWriter(cfg config.KafkaConfig, logg *logger.Logger) (*Writer, error) {
	brokers := normalizeBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	if strings.TrimSpace(cfg.DomainTopic) == "" {
		return nil, errors.New("kafka domain topic is required")
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	dialer := &kafkago.Dialer{Timeout: timeout}
	w := &Writer{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			WriteTimeout:           timeout,
			AllowAutoTopicCreation: false,
		},
		brokers: brokers,
		timeout: timeout,
		cfg:     cfg,
		dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
	}

	if logg != nil {
		logg.Info(logg.WithField(context.Background(), "brokers", strings.Join(brokers, ",")), "kafka writer initialized")
	}
	return w, nil
}

// DomainTopic returns the topic for order and escrow events.
func (w *Writer) DomainTopic() string {
	return strings.TrimSpace(w.cfg.DomainTopic)
}

// DisputeTopic returns the dispute topic, falling back to the domain topic.
func (w *Writer) DisputeTopic() string {
	if topic := strings.TrimSpace(w.cfg.DisputeTopic); topic != "" {
		return topic
	}
	return w.DomainTopic()
}

// Publish writes one message and blocks until the brokers acknowledge it.
func (w *Writer) Publish(ctx context.Context, msg Message) error {
	if w == nil || w.writer == nil {
		return errors.New("kafka writer not initialized")
	}
	if strings.TrimSpace(msg.Topic) == "" {
		return errors.New("kafka topic is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.writer.WriteMessages(writeCtx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("write kafka message to %s: %w", msg.Topic, err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (w *Writer) Ping(ctx context.Context) error {
	if w == nil {
		return errors.New("kafka writer not initialized")
	}
	var lastErr error
	for _, broker := range w.brokers {
		conn, err := w.dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close flushes pending writes and releases connections.
func (w *Writer) Close() error {
	if w == nil || w.writer == nil {
		return nil
	}
	return w.writer.Close()
}

func toKafkaMessage(msg Message) kafkago.Message {
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafkago.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(msg.Headers[k])})
	}

	out := kafkago.Message{
		Topic:   msg.Topic,
		Value:   msg.Value,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
	if msg.Key != "" {
		out.Key = []byte(msg.Key)
	}
	return out
}

func normalizeBrokers(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
