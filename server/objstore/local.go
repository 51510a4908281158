// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package objstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// LocalConfig configures the local disk provider.
type LocalConfig struct {
	Dir     string `help:"directory local objects are stored under" default:"$CONFDIR/objects"`
	BaseURL string `help:"externally reachable base URL signed local links point at" default:"http://localhost:8080"`
	Secret  string `help:"secret local links are signed with" default:""`
}

// LocalStore keeps objects on the local filesystem, one file per object
// plus a metadata sidecar. Signed URLs point back at this process and are
// validated by Handler. ETags are the SHA-256 hex of the content.
type LocalStore struct {
	log           *zap.Logger
	dir           string
	baseURL       string
	secret        []byte
	defaultBucket string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at config.Dir.
func NewLocalStore(log *zap.Logger, defaultBucket string, config LocalConfig) (*LocalStore, error) {
	if config.Secret == "" {
		return nil, Error.New("local provider requires a signing secret")
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &LocalStore{
		log:           log,
		dir:           config.Dir,
		baseURL:       strings.TrimSuffix(config.BaseURL, "/"),
		secret:        []byte(config.Secret),
		defaultBucket: defaultBucket,
	}, nil
}

type localMeta struct {
	ContentType string `json:"contentType"`
	ETag        string `json:"etag"`
}

func (store *LocalStore) bucket(name string) string {
	if name == "" {
		return store.defaultBucket
	}
	return name
}

// objectPath maps (bucket, key) onto the object file, refusing keys that
// would escape the root.
func (store *LocalStore) objectPath(kind, bucket, key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.Contains(key, "..") {
		return "", Error.New("invalid object key %q", key)
	}
	return filepath.Join(store.dir, store.bucket(bucket), kind, filepath.FromSlash(cleaned)), nil
}

// GenerateUploadURL issues a signed PUT aimed at Handler.
func (store *LocalStore) GenerateUploadURL(ctx context.Context, bucket, key, contentType string, size int64, expiry time.Duration) (*SignedUpload, error) {
	signed := store.signedURL(http.MethodPut, store.bucket(bucket), key, expiry, "")
	return &SignedUpload{
		URL:     signed,
		Headers: map[string]string{"Content-Type": contentType},
	}, nil
}

// GenerateDownloadURL issues a signed GET aimed at Handler.
func (store *LocalStore) GenerateDownloadURL(ctx context.Context, bucket, key string, expiry time.Duration, filename string) (string, error) {
	return store.signedURL(http.MethodGet, store.bucket(bucket), key, expiry, filename), nil
}

func (store *LocalStore) signedURL(method, bucket, key string, expiry time.Duration, filename string) string {
	expires := time.Now().Add(expiry).Unix()
	query := url.Values{}
	query.Set("exp", strconv.FormatInt(expires, 10))
	query.Set("sig", store.sign(method, bucket, key, expires))
	if filename != "" {
		query.Set("filename", filename)
	}
	escaped := (&url.URL{Path: "/storage/" + bucket + "/" + key}).EscapedPath()
	return store.baseURL + escaped + "?" + query.Encode()
}

func (store *LocalStore) sign(method, bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, store.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, bucket, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// HeadObject fetches object metadata from the sidecar.
func (store *LocalStore) HeadObject(ctx context.Context, bucket, key string) (_ *ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	objectPath, err := store.objectPath("objects", bucket, key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(objectPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound.New("%s/%s", store.bucket(bucket), key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	meta, err := store.readMeta(bucket, key)
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{Size: stat.Size(), ETag: meta.ETag, ContentType: meta.ContentType}, nil
}

// GetObject fetches the object body.
func (store *LocalStore) GetObject(ctx context.Context, bucket, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	objectPath, err := store.objectPath("objects", bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(objectPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound.New("%s/%s", store.bucket(bucket), key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// PutObject stores the body and its metadata sidecar.
func (store *LocalStore) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) (_ *ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	objectPath, err := store.objectPath("objects", bucket, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(objectPath), 0o700); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.WriteFile(objectPath, body, 0o600); err != nil {
		return nil, Error.Wrap(err)
	}

	digest := sha256.Sum256(body)
	meta := localMeta{ContentType: contentType, ETag: hex.EncodeToString(digest[:])}
	if err := store.writeMeta(bucket, key, meta); err != nil {
		return nil, err
	}
	return &ObjectInfo{Size: int64(len(body)), ETag: meta.ETag, ContentType: contentType}, nil
}

// CopyObject copies an object inside the backend.
func (store *LocalStore) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	meta, err := store.readMeta(srcBucket, srcKey)
	if err != nil {
		return err
	}
	_, err = store.PutObject(ctx, dstBucket, dstKey, data, meta.ContentType)
	return err
}

// DeleteObject removes the object and its sidecar if they exist.
func (store *LocalStore) DeleteObject(ctx context.Context, bucket, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	objectPath, err := store.objectPath("objects", bucket, key)
	if err != nil {
		return err
	}
	metaPath, err := store.objectPath("meta", bucket, key)
	if err != nil {
		return err
	}
	for _, target := range []string{objectPath, metaPath} {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (store *LocalStore) readMeta(bucket, key string) (localMeta, error) {
	metaPath, err := store.objectPath("meta", bucket, key)
	if err != nil {
		return localMeta{}, err
	}
	data, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		// An object written out of band still serves, just untyped.
		return localMeta{}, nil
	}
	if err != nil {
		return localMeta{}, Error.Wrap(err)
	}
	var meta localMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return localMeta{}, Error.Wrap(err)
	}
	return meta, nil
}

func (store *LocalStore) writeMeta(bucket, key string, meta localMeta) error {
	metaPath, err := store.objectPath("meta", bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o700); err != nil {
		return Error.Wrap(err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.WriteFile(metaPath, data, 0o600))
}

// Handler serves the /storage/{bucket}/{key} URLs the local provider
// signs. GET downloads, PUT uploads; everything else is rejected. The
// signature covers method, bucket, key and expiry, so a URL signed for
// download cannot be replayed as an upload.
func (store *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		defer mon.Task()(&ctx)(nil)

		vars := mux.Vars(r)
		bucket, key := vars["bucket"], vars["key"]

		expires, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
		if err != nil || time.Now().Unix() > expires {
			http.Error(w, "link expired", http.StatusForbidden)
			return
		}
		expected := store.sign(r.Method, bucket, key, expires)
		provided := r.URL.Query().Get("sig")
		if !hmac.Equal([]byte(expected), []byte(provided)) {
			http.Error(w, "bad signature", http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodGet:
			store.serveGet(ctx, w, r, bucket, key)
		case http.MethodPut:
			store.servePut(ctx, w, r, bucket, key)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (store *LocalStore) serveGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string) {
	data, err := store.GetObject(ctx, bucket, key)
	if ErrNotFound.Has(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		store.log.Error("local object read failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	meta, err := store.readMeta(bucket, key)
	if err == nil && meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	if filename := r.URL.Query().Get("filename"); filename != "" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s", strconv.Quote(filename)))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (store *LocalStore) servePut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	info, err := store.PutObject(ctx, bucket, key, data, r.Header.Get("Content-Type"))
	if err != nil {
		store.log.Error("local object write failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", `"`+info.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}
