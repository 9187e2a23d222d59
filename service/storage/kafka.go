package storage

import (
	"time"

	"github.com/Shopify/sarama"
)

// NewSyncProducer builds the producer used to mirror offline messages to
// the push pipeline. Idempotent writes keyed by user keep per-user
// ordering on one partition.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
