package nats

import (
	"github.com/codewandler/sourcing-go/core/outbox"
)

// NewCheckpointStore creates a new jetstream key-value-store based checkpoint store.
func NewCheckpointStore(cfg KvConfig) (*outbox.KeyValueCheckpointStore, error) {
	kv, err := NewKvStore(cfg)
	if err != nil {
		return nil, err
	}
	return outbox.NewKeyValueCheckpointStore(kv), nil
}
