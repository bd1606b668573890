package resultref

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSKVStore keeps payloads in a JetStream key-value bucket
type NATSKVStore struct {
	kv nats.KeyValue
}

// NewNATSKVStore connects to NATS and binds (or creates) the bucket
func NewNATSKVStore(url, bucket string) (*NATSKVStore, error) {
	nc, err := nats.Connect(url, nats.Name("noetl-resultref"))
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("bind bucket %s: %w", bucket, err)
	}

	return &NATSKVStore{kv: kv}, nil
}

// Name returns the store identifier
func (s *NATSKVStore) Name() string { return "nats_kv" }

// Put stores a payload
func (s *NATSKVStore) Put(ctx context.Context, ref string, data []byte) error {
	if _, err := s.kv.Put(kvKey(ref), data); err != nil {
		return fmt.Errorf("nats kv put: %w", err)
	}
	return nil
}

// Get retrieves a payload
func (s *NATSKVStore) Get(ctx context.Context, ref string) ([]byte, error) {
	entry, err := s.kv.Get(kvKey(ref))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("nats kv get: %w", err)
	}
	return entry.Value(), nil
}

// Delete removes a payload
func (s *NATSKVStore) Delete(ctx context.Context, ref string) error {
	err := s.kv.Delete(kvKey(ref))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("nats kv delete: %w", err)
	}
	return nil
}

// kvKey maps a ref URI to a NATS KV key (dots are the KV separator; the
// URI's slashes and colons are not valid key characters)
func kvKey(ref string) string {
	key := strings.TrimPrefix(ref, "noetl://")
	key = strings.ReplaceAll(key, "/", ".")
	return strings.ReplaceAll(key, ":", "_")
}
