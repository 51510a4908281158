// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests. Signed URLs use the mem
// scheme and cannot be fetched; tests that need the bytes read them back
// through GetObject.
type MemStore struct {
	mu      sync.Mutex
	objects map[memKey]memObject
}

type memKey struct {
	bucket string
	key    string
}

type memObject struct {
	data        []byte
	contentType string
	etag        string
}

var _ Store = (*MemStore)(nil)

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[memKey]memObject)}
}

func (store *MemStore) addr(bucket, key string) memKey {
	if bucket == "" {
		bucket = "default"
	}
	return memKey{bucket: bucket, key: key}
}

// GenerateUploadURL issues a fake signed PUT URL.
func (store *MemStore) GenerateUploadURL(ctx context.Context, bucket, key, contentType string, size int64, expiry time.Duration) (*SignedUpload, error) {
	return &SignedUpload{
		URL:     store.fakeURL(bucket, key, expiry),
		Headers: map[string]string{"Content-Type": contentType},
	}, nil
}

// GenerateDownloadURL issues a fake signed GET URL.
func (store *MemStore) GenerateDownloadURL(ctx context.Context, bucket, key string, expiry time.Duration, filename string) (string, error) {
	return store.fakeURL(bucket, key, expiry), nil
}

func (store *MemStore) fakeURL(bucket, key string, expiry time.Duration) string {
	addr := store.addr(bucket, key)
	query := url.Values{}
	query.Set("exp", strconv.FormatInt(time.Now().Add(expiry).Unix(), 10))
	return fmt.Sprintf("mem://%s/%s?%s", addr.bucket, addr.key, query.Encode())
}

// HeadObject fetches object metadata.
func (store *MemStore) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	object, ok := store.objects[store.addr(bucket, key)]
	if !ok {
		return nil, ErrNotFound.New("%s/%s", store.addr(bucket, key).bucket, key)
	}
	return &ObjectInfo{Size: int64(len(object.data)), ETag: object.etag, ContentType: object.contentType}, nil
}

// GetObject fetches the object body.
func (store *MemStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	object, ok := store.objects[store.addr(bucket, key)]
	if !ok {
		return nil, ErrNotFound.New("%s/%s", store.addr(bucket, key).bucket, key)
	}
	data := make([]byte, len(object.data))
	copy(data, object.data)
	return data, nil
}

// PutObject stores the body.
func (store *MemStore) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) (*ObjectInfo, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	digest := sha256.Sum256(body)
	object := memObject{
		data:        append([]byte(nil), body...),
		contentType: contentType,
		etag:        hex.EncodeToString(digest[:]),
	}
	store.objects[store.addr(bucket, key)] = object
	return &ObjectInfo{Size: int64(len(body)), ETag: object.etag, ContentType: contentType}, nil
}

// CopyObject copies an object inside the store.
func (store *MemStore) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	object, ok := store.objects[store.addr(srcBucket, srcKey)]
	if !ok {
		return ErrNotFound.New("%s/%s", store.addr(srcBucket, srcKey).bucket, srcKey)
	}
	copied := object
	copied.data = append([]byte(nil), object.data...)
	store.objects[store.addr(dstBucket, dstKey)] = copied
	return nil
}

// DeleteObject removes the object if it exists.
func (store *MemStore) DeleteObject(ctx context.Context, bucket, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.objects, store.addr(bucket, key))
	return nil
}
