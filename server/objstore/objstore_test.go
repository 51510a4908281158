// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package objstore_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/server/objstore"
)

func newLocalStore(t *testing.T, baseURL string) *objstore.LocalStore {
	store, err := objstore.NewLocalStore(zaptest.NewLogger(t), "testbucket", objstore.LocalConfig{
		Dir:     t.TempDir(),
		BaseURL: baseURL,
		Secret:  "local-test-secret",
	})
	require.NoError(t, err)
	return store
}

func TestStoreConformance(t *testing.T) {
	ctx := context.Background()

	stores := map[string]objstore.Store{
		"memory": objstore.NewMemStore(),
		"local":  newLocalStore(t, "http://example.test"),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			body := []byte("the quick brown fox")

			info, err := store.PutObject(ctx, "", "files/abc/blob", body, "text/plain")
			require.NoError(t, err)
			require.Equal(t, int64(len(body)), info.Size)
			// Free-choice backends use SHA-256 hex etags.
			require.Len(t, info.ETag, 64)
			require.Equal(t,
				"9ecb36561341d18eb65484e833efea61edc74b84cf5e6ae1b81c63533e25fc8f",
				info.ETag)

			head, err := store.HeadObject(ctx, "", "files/abc/blob")
			require.NoError(t, err)
			require.Equal(t, info.Size, head.Size)
			require.Equal(t, info.ETag, head.ETag)
			require.Equal(t, "text/plain", head.ContentType)

			data, err := store.GetObject(ctx, "", "files/abc/blob")
			require.NoError(t, err)
			require.Equal(t, body, data)

			require.NoError(t, store.CopyObject(ctx, "", "files/abc/blob", "", "imports/copy"))
			copied, err := store.HeadObject(ctx, "", "imports/copy")
			require.NoError(t, err)
			require.Equal(t, info.ETag, copied.ETag)

			_, err = store.HeadObject(ctx, "", "files/missing")
			require.True(t, objstore.ErrNotFound.Has(err))
			_, err = store.GetObject(ctx, "", "files/missing")
			require.True(t, objstore.ErrNotFound.Has(err))

			require.NoError(t, store.DeleteObject(ctx, "", "files/abc/blob"))
			_, err = store.GetObject(ctx, "", "files/abc/blob")
			require.True(t, objstore.ErrNotFound.Has(err))
			// Deleting again stays quiet.
			require.NoError(t, store.DeleteObject(ctx, "", "files/abc/blob"))
		})
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t, "http://example.test")

	_, err := store.PutObject(ctx, "", "../escape", []byte("x"), "text/plain")
	require.Error(t, err)
	_, err = store.GetObject(ctx, "", "a/../../escape")
	require.Error(t, err)
}

func TestLocalHandler(t *testing.T) {
	ctx := context.Background()

	router := mux.NewRouter()
	server := httptest.NewServer(router)
	defer server.Close()

	store := newLocalStore(t, server.URL)
	router.Handle("/storage/{bucket}/{key:.+}", store.Handler())

	t.Run("download", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "files/dl/blob", []byte("download me"), "text/plain")
		require.NoError(t, err)

		signed, err := store.GenerateDownloadURL(ctx, "", "files/dl/blob", time.Minute, "notes.txt")
		require.NoError(t, err)

		resp, err := http.Get(signed)
		require.NoError(t, err)
		defer func() { require.NoError(t, resp.Body.Close()) }()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		require.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "download me", string(body))
	})

	t.Run("upload", func(t *testing.T) {
		signed, err := store.GenerateUploadURL(ctx, "", "files/ul/blob", "text/markdown", 8, time.Minute)
		require.NoError(t, err)

		request, err := http.NewRequest(http.MethodPut, signed.URL, bytes.NewReader([]byte("uploaded")))
		require.NoError(t, err)
		for name, value := range signed.Headers {
			request.Header.Set(name, value)
		}

		resp, err := http.DefaultClient.Do(request)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)

		head, err := store.HeadObject(ctx, "", "files/ul/blob")
		require.NoError(t, err)
		require.Equal(t, int64(8), head.Size)
		require.Equal(t, "text/markdown", head.ContentType)
	})

	t.Run("tampered signature", func(t *testing.T) {
		signed, err := store.GenerateDownloadURL(ctx, "", "files/dl/blob", time.Minute, "")
		require.NoError(t, err)

		resp, err := http.Get(strings.Replace(signed, "sig=", "sig=00", 1))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("expired", func(t *testing.T) {
		signed, err := store.GenerateDownloadURL(ctx, "", "files/dl/blob", -time.Minute, "")
		require.NoError(t, err)

		resp, err := http.Get(signed)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("download link cannot upload", func(t *testing.T) {
		signed, err := store.GenerateDownloadURL(ctx, "", "files/dl/blob", time.Minute, "")
		require.NoError(t, err)

		request, err := http.NewRequest(http.MethodPut, signed, bytes.NewReader([]byte("overwrite")))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(request)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
