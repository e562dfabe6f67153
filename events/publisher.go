// Package events streams indexed blocks to Kafka for downstream consumers.
// The publisher is optional; with no brokers configured every publish is a
// no-op.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/ethereum/go-ethereum/log"

	"github.com/estevaopbs/eth-indexer/storage"
)

// Publisher emits one message per indexed block, keyed by block number so a
// partition preserves per-key ordering.
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

// NewPublisher connects an async producer to brokers. An empty broker list
// returns a disabled publisher.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return &Publisher{}, nil
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Publisher{producer: producer, topic: topic, done: make(chan struct{})}
	go p.drainErrors()
	return p, nil
}

// Enabled reports whether messages actually go anywhere.
func (p *Publisher) Enabled() bool {
	return p.producer != nil
}

// PublishBlock enqueues one block event. Delivery is asynchronous; failures
// surface on the error drain, never to the block worker.
func (p *Publisher) PublishBlock(block *storage.Block) error {
	if p.producer == nil {
		return nil
	}
	payload, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", block.Number, err)
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%d", block.Number)),
		Value: sarama.ByteEncoder(payload),
	}
	return nil
}

// Close flushes pending messages and stops the error drain.
func (p *Publisher) Close() error {
	if p.producer == nil {
		return nil
	}
	err := p.producer.Close()
	<-p.done
	return err
}

func (p *Publisher) drainErrors() {
	defer close(p.done)
	for perr := range p.producer.Errors() {
		log.Warn("Kafka publish failed", "topic", perr.Msg.Topic, "err", perr.Err)
	}
}
