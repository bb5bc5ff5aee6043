package destination

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"docsync/internal/connector"
	"docsync/internal/syncerr"
)

// Kafka publishes each document as one message keyed by document id.
type Kafka struct {
	producer sarama.SyncProducer
	client   sarama.Client
	topic    string
}

// NewKafka wraps an existing producer. client may be nil, in which case HealthCheck only checks the producer.
func NewKafka(producer sarama.SyncProducer, client sarama.Client, topic string) (*Kafka, error) {
	if topic == "" {
		return nil, syncerr.New(syncerr.KindConfig, "kafka destination requires topic")
	}
	return &Kafka{producer: producer, client: client, topic: topic}, nil
}

// SaramaConfig returns the producer settings used by KafkaFactory.
func SaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 0
	cfg.Producer.Compression = sarama.CompressionZSTD
	cfg.Version = sarama.V2_1_0_0
	return cfg
}

// KafkaFactory builds Kafka destinations. Brokers come from the destination config or defaultBrokers.
func KafkaFactory(defaultBrokers []string) Factory {
	return func(_ context.Context, cfg map[string]any) (Destination, error) {
		brokers := defaultBrokers
		if b := str(cfg, "brokers"); b != "" {
			brokers = strings.Split(b, ",")
		}
		if len(brokers) == 0 {
			return nil, syncerr.New(syncerr.KindConfig, "kafka destination requires brokers")
		}
		client, err := sarama.NewClient(brokers, SaramaConfig())
		if err != nil {
			return nil, syncerr.Wrap(err, syncerr.KindDestination, "kafka client")
		}
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, syncerr.Wrap(err, syncerr.KindDestination, "kafka producer")
		}
		return NewKafka(producer, client, str(cfg, "topic"))
	}
}

func (k *Kafka) Send(ctx context.Context, doc connector.Document) error {
	return k.SendBatch(ctx, []connector.Document{doc})
}

func (k *Kafka) SendBatch(_ context.Context, docs []connector.Document) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(docs))
	for _, doc := range docs {
		value, err := json.Marshal(doc)
		if err != nil {
			return syncerr.Wrap(err, syncerr.KindConfig, fmt.Sprintf("encode document %s", doc.ID))
		}
		op := "upsert"
		if doc.Deleted {
			op = "delete"
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(doc.ID),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("operation"), Value: []byte(op)},
				{Key: []byte("content-type"), Value: []byte("application/json")},
			},
		})
	}
	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("produce %d messages: %w", len(msgs), err)
	}
	return nil
}

func (k *Kafka) HealthCheck(_ context.Context) error {
	if k.client == nil {
		return nil
	}
	if k.client.Closed() {
		return fmt.Errorf("kafka client closed")
	}
	if err := k.client.RefreshMetadata(k.topic); err != nil {
		return fmt.Errorf("refresh metadata for %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if err := k.producer.Close(); err != nil {
		return err
	}
	if k.client != nil && !k.client.Closed() {
		return k.client.Close()
	}
	return nil
}
