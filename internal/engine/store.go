// Package engine is the key/value store behind the access gate. Data is
// addressed as owner/bucket/key; owners are usernames and buckets group
// records such as accounts and escrowed keys.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrOwnerNotFound is returned when a requested owner does not exist.
	ErrOwnerNotFound = errors.New("owner not found")
	// ErrBucketNotFound is returned when a requested bucket does not exist within an owner.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrKeyNotFound is returned when a requested key does not exist within a bucket.
	ErrKeyNotFound = errors.New("key not found")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store closed")
)

// Store is the contract shared by the embedded file-backed engine and the
// Redis backend.
type Store interface {
	// Get retrieves the value stored under owner/bucket/key.
	Get(owner, bucket, key string) (any, error)
	// Set stores a value under owner/bucket/key.
	Set(owner, bucket, key string, val any) error
	// Delete removes a key. Missing keys are not an error.
	Delete(owner, bucket, key string) error

	// Owners lists every owner that has data.
	Owners() ([]string, error)
	// Buckets lists the buckets belonging to an owner.
	Buckets(owner string) ([]string, error)
	// Bucket returns a copy of all keys and values in a bucket.
	Bucket(owner, bucket string) (map[string]any, error)

	// Close flushes pending writes and releases resources.
	Close() error
}

// GetAs retrieves a value and converts it to T. Values read back from disk or
// Redis are generic JSON maps, so they are re-marshaled into the target type.
func GetAs[T any](s Store, owner, bucket, key string) (T, error) {
	var target T
	val, err := s.Get(owner, bucket, key)
	if err != nil {
		return target, err
	}
	if v, ok := val.(T); ok {
		return v, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return target, fmt.Errorf("re-encode %s/%s/%s: %w", owner, bucket, key, err)
	}
	if err := json.Unmarshal(raw, &target); err != nil {
		return target, fmt.Errorf("decode %s/%s/%s: %w", owner, bucket, key, err)
	}
	return target, nil
}
