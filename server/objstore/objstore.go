// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package objstore abstracts the object storage backends files and import
// archives live on.
//
// The platform never streams object bytes through its own connections when
// it can avoid it: clients upload and download through short-lived signed
// URLs issued here, and the server itself only touches bytes for archive
// processing and replication.
package objstore

import (
	"context"
	"sort"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default objstore errs class.
	Error = errs.Class("objstore")

	// ErrNotFound is returned when the addressed object does not exist.
	ErrNotFound = errs.Class("object not found")

	mon = monkit.Package()
)

// Provider names known to the platform. Blobs record which provider holds
// them; remote providers are preferred when serving downloads.
const (
	ProviderS3    = "s3"
	ProviderLocal = "local"
)

// IsRemote reports whether the provider stores objects off this machine.
func IsRemote(provider string) bool { return provider != ProviderLocal }

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size        int64
	ETag        string
	ContentType string
}

// SignedUpload is a presigned upload slot: the URL to PUT to and the
// headers the client must send for the signature to hold.
type SignedUpload struct {
	URL     string
	Headers map[string]string
}

// Store is the narrow interface the platform needs from a storage backend.
// An empty bucket selects the backend's configured default. Lookups of
// missing objects fail with ErrNotFound; DeleteObject is idempotent.
type Store interface {
	// GenerateUploadURL issues a presigned PUT for the object.
	GenerateUploadURL(ctx context.Context, bucket, key, contentType string, size int64, expiry time.Duration) (*SignedUpload, error)
	// GenerateDownloadURL issues a presigned GET for the object. A
	// non-empty filename is served as an attachment disposition.
	GenerateDownloadURL(ctx context.Context, bucket, key string, expiry time.Duration, filename string) (string, error)
	// HeadObject fetches object metadata without the body.
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	// GetObject fetches the object body.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	// PutObject stores the body and returns the resulting metadata.
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) (*ObjectInfo, error)
	// CopyObject copies an object inside the backend.
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	// DeleteObject removes the object if it exists.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Config selects and configures the storage providers.
type Config struct {
	Provider string `help:"primary object storage provider (s3|local)" default:"local"`
	Bucket   string `help:"default bucket objects are stored in" default:"inkwell"`

	S3    S3Config
	Local LocalConfig
}

// Stores is the set of opened providers, keyed by provider name.
type Stores struct {
	primary string
	byName  map[string]Store
}

// NewStores builds a provider set. The primary must be present in byName.
func NewStores(primary string, byName map[string]Store) (*Stores, error) {
	if _, ok := byName[primary]; !ok {
		return nil, Error.New("primary provider %q is not configured", primary)
	}
	return &Stores{primary: primary, byName: byName}, nil
}

// Open opens every configured provider. The local provider opens whenever
// a directory is set; S3 opens when credentials or an endpoint are set.
func Open(ctx context.Context, log *zap.Logger, config Config) (*Stores, error) {
	byName := make(map[string]Store)

	if config.Local.Dir != "" {
		local, err := NewLocalStore(log.Named("local"), config.Bucket, config.Local)
		if err != nil {
			return nil, err
		}
		byName[ProviderLocal] = local
	}
	if config.S3.AccessKeyID != "" || config.S3.Endpoint != "" {
		remote, err := OpenS3Store(ctx, log.Named("s3"), config.Bucket, config.S3)
		if err != nil {
			return nil, err
		}
		byName[ProviderS3] = remote
	}

	return NewStores(config.Provider, byName)
}

// Primary returns the provider new objects are written to.
func (stores *Stores) Primary() Store { return stores.byName[stores.primary] }

// PrimaryName returns the name of the primary provider.
func (stores *Stores) PrimaryName() string { return stores.primary }

// Get returns the named provider.
func (stores *Stores) Get(provider string) (Store, bool) {
	store, ok := stores.byName[provider]
	return store, ok
}

// Names returns the configured provider names, sorted.
func (stores *Stores) Names() []string {
	names := make([]string, 0, len(stores.byName))
	for name := range stores.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
