// Package sink fans reconciled trade transitions out to downstream
// consumers. Sinks are best-effort: a failed send is logged by the
// caller and never blocks cursor progress.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/updownlabs/optsync/internal/webhook"
)

// TradeUpdate is one reconciled trade transition as published downstream.
type TradeUpdate struct {
	Network   string `json:"network"`
	Event     string `json:"event"` // e.g. OpenTrade, Exercise
	QueueID   int64  `json:"queue_id,omitempty"`
	OptionID  int64  `json:"option_id,omitempty"`
	State     string `json:"state,omitempty"`
	Status    string `json:"status,omitempty"` // WIN / LOSS
	Reason    string `json:"reason,omitempty"`
	Profit    int64  `json:"profit,omitempty"`
	Pnl       int64  `json:"pnl,omitempty"`
	TxHash    string `json:"tx_hash"`
	Timestamp int64  `json:"timestamp"`
}

// Output defines the interface for a trade-update destination.
type Output interface {
	Name() string
	Send(ctx context.Context, updates []TradeUpdate) error
	Close() error
}

// --- 1. Console Output ---

type ConsoleOutput struct {
	mu sync.Mutex
}

func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, updates []TradeUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc := json.NewEncoder(os.Stdout)
	for _, u := range updates {
		if err := enc.Encode(u); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

// --- 2. File Output ---

type FileOutput struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: path, file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(ctx context.Context, updates []TradeUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := json.NewEncoder(f.file)
	for _, u := range updates {
		if err := enc.Encode(u); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Redis Output ---

type RedisOutput struct {
	client *redis.Client
	key    string
	mode   string
}

func NewRedisOutput(addr, password string, db int, key, mode string) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisOutput{client: rdb, key: key, mode: mode}, nil
}

func (r *RedisOutput) Name() string { return "redis" }

func (r *RedisOutput) Send(ctx context.Context, updates []TradeUpdate) error {
	pipe := r.client.Pipeline()
	for _, u := range updates {
		data, _ := json.Marshal(u)
		if r.mode == "pubsub" {
			pipe.Publish(ctx, r.key, data)
		} else {
			pipe.LPush(ctx, r.key, data)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 4. Kafka Output ---

type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(brokers []string, topic, user, password string) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	if user != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = user
		config.Net.SASL.Password = password
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &KafkaOutput{producer: producer, topic: topic}, nil
}

func (k *KafkaOutput) Name() string { return "kafka" }

func (k *KafkaOutput) Send(ctx context.Context, updates []TradeUpdate) error {
	var msgs []*sarama.ProducerMessage
	for _, u := range updates {
		data, _ := json.Marshal(u)
		// Key by queue id so a trade's transitions land on one partition in order.
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(u.Network + ":" + strconv.FormatInt(u.QueueID, 10)),
			Value: sarama.ByteEncoder(data),
		})
	}
	return k.producer.SendMessages(msgs)
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- 5. RabbitMQ Output ---

type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(url, exchange, routingKey, queueName string, durable bool) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if exchange != "" {
		err = ch.ExchangeDeclare(exchange, "topic", durable, false, false, false, nil)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if queueName != "" {
		q, _ := ch.QueueDeclare(queueName, durable, false, false, false, nil)
		ch.QueueBind(q.Name, routingKey, exchange, false, nil)
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

func (r *RabbitMQOutput) Send(ctx context.Context, updates []TradeUpdate) error {
	for _, u := range updates {
		data, _ := json.Marshal(u)
		err := r.ch.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	return r.conn.Close()
}

// --- 6. Webhook Output ---

type WebhookOutput struct {
	client *webhook.Client
}

func NewWebhookOutput(cfg webhook.Config) *WebhookOutput {
	return &WebhookOutput{client: webhook.NewClient(cfg)}
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) Send(ctx context.Context, updates []TradeUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return w.client.Send(ctx, updates)
}

func (w *WebhookOutput) Close() error { return nil }

// Broadcast sends updates to every output, collecting the first error
// after trying them all.
func Broadcast(ctx context.Context, outputs []Output, updates []TradeUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	var firstErr error
	for _, out := range outputs {
		if err := out.Send(ctx, updates); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sink %s: %w", out.Name(), err)
		}
	}
	return firstErr
}
