package blobstore

import "context"

// Store is the typed surface over the object store. Get returns a
// faults.KindNotFound error for absent keys; transport failures are tagged
// transient. Put is fire-and-verify: the adapter reads the object back and
// fails with a verify error on length mismatch, guarding against silent
// truncation across retries.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Head(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
