package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-invoice-cropper/internal/store"
)

const DefaultKVBucket = "invoice_tasks"

// KVBackend stores job blobs in a JetStream key/value bucket.
type KVBackend struct {
	kv jetstream.KeyValue
}

// OpenKV creates the bucket when it does not exist yet.
func OpenKV(ctx context.Context, c *Client, bucket string) (*KVBackend, error) {
	if bucket == "" {
		bucket = DefaultKVBucket
	}
	js, err := jetstream.New(c.Conn())
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "invoice job history",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &KVBackend{kv: kv}, nil
}

func (b *KVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (b *KVBackend) Put(ctx context.Context, key string, data []byte) error {
	if _, err := b.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (b *KVBackend) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
